package storage

import (
	"context"
	"encoding/xml"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
)

// fakeS3 is a path-style bucket good enough for the calls S3Client makes.
type fakeS3 struct {
	mu      sync.Mutex
	bucket  string
	objects map[string][]byte
	meta    map[string]http.Header
}

type listResult struct {
	XMLName     xml.Name `xml:"ListBucketResult"`
	IsTruncated bool     `xml:"IsTruncated"`
	Contents    []struct {
		Key string `xml:"Key"`
	} `xml:"Contents"`
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	p := strings.TrimPrefix(r.URL.Path, "/")
	bucket, key, _ := strings.Cut(p, "/")
	if bucket != f.bucket {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	switch {
	case r.Method == http.MethodHead && key == "":
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodGet && key == "":
		var res listResult
		var keys []string
		for k := range f.objects {
			if strings.HasPrefix(k, r.URL.Query().Get("prefix")) {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		for _, k := range keys {
			res.Contents = append(res.Contents, struct {
				Key string `xml:"Key"`
			}{k})
		}
		w.Header().Set("Content-Type", "application/xml")
		_ = xml.NewEncoder(w).Encode(res)
	case r.Method == http.MethodPut && r.Header.Get("X-Amz-Copy-Source") != "":
		src := strings.TrimPrefix(r.Header.Get("X-Amz-Copy-Source"), "/")
		_, srcKey, _ := strings.Cut(src, "/")
		data, ok := f.objects[srcKey]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		f.objects[key] = data
		f.meta[key] = r.Header.Clone()
		w.Header().Set("Content-Type", "application/xml")
		_, _ = io.WriteString(w, `<CopyObjectResult><ETag>"copy"</ETag></CopyObjectResult>`)
	case r.Method == http.MethodPut:
		data, _ := io.ReadAll(r.Body)
		f.objects[key] = data
		f.meta[key] = r.Header.Clone()
		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodGet:
		data, ok := f.objects[key]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write(data)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newFake(t *testing.T, versioned bool) (*fakeS3, *S3Client) {
	t.Helper()
	t.Setenv("AWS_CONFIG_FILE", filepath.Join(t.TempDir(), "none"))
	t.Setenv("AWS_SHARED_CREDENTIALS_FILE", filepath.Join(t.TempDir(), "none"))
	fake := &fakeS3{bucket: "books", objects: map[string][]byte{}, meta: map[string]http.Header{}}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	cli, err := NewS3Client(context.Background(), Options{
		Bucket:          "books",
		Prefix:          "/photobooks/",
		Region:          "us-east-1",
		Endpoint:        srv.URL,
		AccessKeyID:     "test",
		SecretAccessKey: "test",
		Versioned:       versioned,
	})
	if err != nil {
		t.Fatalf("NewS3Client: %v", err)
	}
	return fake, cli
}

func writePDF(t *testing.T, name string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte("%PDF-1.7\n%fake\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

func TestUploadFilePlain(t *testing.T) {
	fake, cli := newFake(t, false)
	if err := cli.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	pub, err := cli.UploadFile(context.Background(), writePDF(t, "book.pdf"), map[string]string{"run_id": "r1"})
	if err != nil {
		t.Fatalf("UploadFile: %v", err)
	}
	if pub.Key != "photobooks/book.pdf" || pub.URL != "s3://books/photobooks/book.pdf" || pub.Version != 0 {
		t.Fatalf("published = %+v", pub)
	}
	if string(fake.objects["photobooks/book.pdf"]) != "%PDF-1.7\n%fake\n" {
		t.Fatalf("stored = %q", fake.objects["photobooks/book.pdf"])
	}
	h := fake.meta["photobooks/book.pdf"]
	if ct := h.Get("Content-Type"); ct != "application/pdf" {
		t.Fatalf("content type = %q", ct)
	}
	if h.Get("X-Amz-Meta-Run_id") != "r1" && h.Get("X-Amz-Meta-Run_Id") != "r1" {
		t.Fatalf("metadata headers = %v", h)
	}
}

func TestUploadFileVersioned(t *testing.T) {
	fake, cli := newFake(t, true)
	fake.objects["photobooks/book_v1.pdf"] = []byte("old")
	fake.objects["photobooks/book_v3.pdf"] = []byte("old")

	pub, err := cli.UploadFile(context.Background(), writePDF(t, "book.pdf"), nil)
	if err != nil {
		t.Fatalf("UploadFile: %v", err)
	}
	if pub.Version != 4 || pub.Key != "photobooks/book.pdf" {
		t.Fatalf("published = %+v", pub)
	}
	if _, ok := fake.objects["photobooks/book_v4.pdf"]; !ok {
		t.Fatalf("versioned object missing: %v", fake.objects)
	}
	if string(fake.objects["photobooks/book.pdf"]) != "%PDF-1.7\n%fake\n" {
		t.Fatalf("base key not promoted")
	}
}

func TestDownloadToTemp(t *testing.T) {
	fake, cli := newFake(t, false)
	fake.objects["in/album.pdf"] = []byte("%PDF-1.4 album")

	dir := t.TempDir()
	p, err := cli.DownloadToTemp(context.Background(), "s3://books/in/album.pdf", dir)
	if err != nil {
		t.Fatalf("DownloadToTemp: %v", err)
	}
	if filepath.Dir(p) != dir || filepath.Ext(p) != ".pdf" {
		t.Fatalf("path = %s", p)
	}
	data, _ := os.ReadFile(p)
	if string(data) != "%PDF-1.4 album" {
		t.Fatalf("data = %q", data)
	}

	if _, err := cli.DownloadToTemp(context.Background(), "s3://books/in/missing.pdf", dir); err == nil {
		t.Fatalf("expected error for missing object")
	}
	if entries, _ := os.ReadDir(dir); len(entries) != 1 {
		t.Fatalf("temp dir has %d entries, want 1", len(entries))
	}
}

func TestParseURL(t *testing.T) {
	cases := []struct {
		in          string
		bucket, key string
		ok          bool
	}{
		{"s3://b/k.pdf", "b", "k.pdf", true},
		{"s3://b/dir/k.pdf", "b", "dir/k.pdf", true},
		{"s3://b/", "", "", false},
		{"s3:///k", "", "", false},
		{"https://b/k", "", "", false},
	}
	for _, c := range cases {
		b, k, err := ParseURL(c.in)
		if (err == nil) != c.ok || b != c.bucket || k != c.key {
			t.Fatalf("ParseURL(%q) = %q, %q, %v", c.in, b, k, err)
		}
	}
}

func TestVersionOf(t *testing.T) {
	cases := map[string]int{
		"p/book_v2.pdf":  2,
		"p/book_v10.pdf": 10,
		"p/book_vx.pdf":  0,
		"p/other_v3.pdf": 0,
	}
	for key, want := range cases {
		if got := versionOf(key, "p/book_v"); got != want {
			t.Fatalf("versionOf(%q) = %d, want %d", key, got, want)
		}
	}
}

func TestNewS3ClientRequiresBucket(t *testing.T) {
	if _, err := NewS3Client(context.Background(), Options{}); err == nil {
		t.Fatalf("expected error without bucket")
	}
}
