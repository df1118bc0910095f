package cloudinary

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestUploadEvidence(t *testing.T) {
	var fields map[string]string
	var fileBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/demo/image/upload" {
			http.NotFound(w, r)
			return
		}
		if err := r.ParseMultipartForm(1 << 20); err != nil {
			t.Errorf("parse form: %v", err)
		}
		fields = map[string]string{}
		for k, v := range r.MultipartForm.Value {
			fields[k] = v[0]
		}
		f, _, err := r.FormFile("file")
		if err == nil {
			b, _ := io.ReadAll(f)
			fileBody = string(b)
		}
		_ = json.NewEncoder(w).Encode(UploadResult{
			PublicID:  "evidence/stu-1/abc",
			SecureURL: "https://res.cloudinary.com/demo/image/upload/v1/evidence/stu-1/abc.jpg",
		})
	}))
	defer srv.Close()

	c := New("demo", "key", "secret", "/evidence/")
	c.APIBase = srv.URL

	res, err := c.UploadEvidence(context.Background(), "stu-1", []byte("jpeg-bytes"), "selfie.jpg")
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if fields["folder"] != "evidence/stu-1" || fields["api_key"] != "key" || fields["signature"] == "" {
		t.Fatalf("unexpected form fields %v", fields)
	}
	if fileBody != "jpeg-bytes" {
		t.Fatalf("unexpected file body %q", fileBody)
	}
	if !c.OwnsURL(res.SecureURL) {
		t.Fatalf("uploaded url should be owned: %s", res.SecureURL)
	}
}

func TestUploadEvidence_Unconfigured(t *testing.T) {
	if _, err := New("", "", "", "").UploadEvidence(context.Background(), "stu-1", []byte("x"), "a.jpg"); err == nil {
		t.Fatal("expected not configured error")
	}
}

func TestOwnsURL(t *testing.T) {
	c := New("demo", "key", "secret", "evidence")
	cases := map[string]bool{
		"https://res.cloudinary.com/demo/image/upload/v1/evidence/stu-1/a.jpg":  true,
		"https://res.cloudinary.com/other/image/upload/v1/evidence/stu-1/a.jpg": false,
		"https://res.cloudinary.com/demo/image/upload/v1/avatars/a.jpg":         false,
		"http://res.cloudinary.com/demo/image/upload/v1/evidence/a.jpg":         false,
		"https://example.com/demo/image/upload/evidence/a.jpg":                  false,
		"not a url": false,
	}
	for raw, want := range cases {
		if got := c.OwnsURL(raw); got != want {
			t.Errorf("OwnsURL(%q) = %v, want %v", raw, got, want)
		}
	}
}

func TestSign(t *testing.T) {
	c := New("demo", "key", "abcd", "")
	got := c.sign(map[string]string{"timestamp": "1315060510", "public_id": "sample", "api_key": "key"})
	// sha1("public_id=sample&timestamp=1315060510abcd")
	want := "c3470533147774275dd37996cc4d0e68fd03cd4f"
	if got != want {
		t.Fatalf("signature = %s, want %s", got, want)
	}
}
