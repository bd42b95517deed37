package storage

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/marz-dev/poolforge/internal/batch"
)

func testBlob(t *testing.T, handler http.HandlerFunc) *Blob {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	b := NewBlob(srv.URL, "acct", "secret")
	b.now = func() time.Time { return time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC) }
	return b
}

func TestEnsureContainer(t *testing.T) {
	var gotMethod, gotPath, gotAuth string
	b := testBlob(t, func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath, gotAuth = r.Method, r.URL.Path, r.Header.Get("Authorization")
		w.WriteHeader(http.StatusCreated)
	})

	handle, err := b.EnsureContainer(context.Background(), "poolforge-job-1")
	if err != nil {
		t.Fatalf("EnsureContainer: %v", err)
	}
	if handle.Account != "acct" || handle.Name != "poolforge-job-1" {
		t.Fatalf("unexpected handle: %+v", handle)
	}
	if gotMethod != http.MethodPut || gotPath != "/acct/poolforge-job-1" {
		t.Fatalf("unexpected request: %s %s", gotMethod, gotPath)
	}
	if gotAuth != "SharedKey acct:secret" {
		t.Fatalf("unexpected auth: %q", gotAuth)
	}
}

func TestEnsureContainerAlreadyExists(t *testing.T) {
	b := testBlob(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})

	// A 409 means the container is already there, which is fine.
	if _, err := b.EnsureContainer(context.Background(), "c"); err != nil {
		t.Fatalf("already-exists must be tolerated: %v", err)
	}
}

func TestEnsureContainerOtherError(t *testing.T) {
	b := testBlob(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})

	_, err := b.EnsureContainer(context.Background(), "c")
	if err == nil || batch.IsAlreadyExists(err) {
		t.Fatalf("expected a hard failure, got %v", err)
	}
}

func TestUploadFileSignsURL(t *testing.T) {
	var uploaded []byte
	b := testBlob(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPut && r.URL.Path == "/acct/c/input.txt" {
			uploaded, _ = io.ReadAll(r.Body)
		}
		w.WriteHeader(http.StatusCreated)
	})

	local := filepath.Join(t.TempDir(), "input.txt")
	if err := os.WriteFile(local, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}

	signed, err := b.UploadFile(context.Background(), batch.ContainerHandle{Account: "acct", Name: "c"}, local)
	if err != nil {
		t.Fatalf("UploadFile: %v", err)
	}
	if string(uploaded) != "hello" {
		t.Fatalf("uploaded body = %q", uploaded)
	}

	u, err := url.Parse(signed)
	if err != nil {
		t.Fatalf("signed URL does not parse: %q", signed)
	}
	if u.Path != "/acct/c/input.txt" {
		t.Fatalf("unexpected blob path: %s", u.Path)
	}
	expiry := u.Query().Get("se")
	wantExpiry := strconv.FormatInt(b.now().Add(signedURLTTL).Unix(), 10)
	if expiry != wantExpiry {
		t.Fatalf("expiry = %q, want %s", expiry, wantExpiry)
	}
	mac := hmac.New(sha256.New, []byte("secret"))
	mac.Write([]byte(u.Path + "\n" + expiry))
	wantSig := base64.URLEncoding.EncodeToString(mac.Sum(nil))
	if got := u.Query().Get("sig"); got != wantSig {
		t.Fatalf("sig = %q, want %q", got, wantSig)
	}
}

func TestUploadFileMissingLocal(t *testing.T) {
	b := testBlob(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected for a missing local file")
	})
	if _, err := b.UploadFile(context.Background(), batch.ContainerHandle{Name: "c"}, "/does/not/exist"); err == nil {
		t.Fatal("expected an error")
	}
}

func TestDeleteContainer(t *testing.T) {
	var gotMethod string
	b := testBlob(t, func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		w.WriteHeader(http.StatusAccepted)
	})
	if err := b.DeleteContainer(context.Background(), batch.ContainerHandle{Account: "acct", Name: "c"}); err != nil {
		t.Fatalf("DeleteContainer: %v", err)
	}
	if gotMethod != http.MethodDelete {
		t.Fatalf("method = %s", gotMethod)
	}
}
