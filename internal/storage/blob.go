// Package storage implements the blob StorageService over HTTP. Uploads
// return read-only signed URLs so pool nodes can fetch resource files
// without credentials.
package storage

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/marz-dev/poolforge/internal/batch"
)

// signedURLTTL bounds how long an uploaded resource stays fetchable.
const signedURLTTL = 24 * time.Hour

type Blob struct {
	endpoint string
	account  string
	key      string
	httpc    *http.Client
	now      func() time.Time
}

func NewBlob(endpoint, account, key string) *Blob {
	return &Blob{
		endpoint: strings.TrimRight(endpoint, "/"),
		account:  account,
		key:      key,
		httpc:    &http.Client{Timeout: 60 * time.Second},
		now:      time.Now,
	}
}

// EnsureContainer creates the container, treating an already-exists answer
// as success so repeated runs can share one container.
func (b *Blob) EnsureContainer(ctx context.Context, name string) (batch.ContainerHandle, error) {
	handle := batch.ContainerHandle{Account: b.account, Name: name}
	err := b.do(ctx, http.MethodPut, b.containerURL(name), nil)
	if err != nil && !batch.IsAlreadyExists(err) {
		return batch.ContainerHandle{}, err
	}
	return handle, nil
}

// UploadFile puts a local file into the container and returns a signed
// read URL for it.
func (b *Blob) UploadFile(ctx context.Context, c batch.ContainerHandle, localPath string) (string, error) {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", localPath, err)
	}
	blobName := filepath.Base(localPath)
	blobURL := b.containerURL(c.Name) + "/" + url.PathEscape(blobName)
	if err := b.do(ctx, http.MethodPut, blobURL, data); err != nil {
		return "", err
	}
	return b.signURL(blobURL), nil
}

func (b *Blob) DeleteContainer(ctx context.Context, c batch.ContainerHandle) error {
	return b.do(ctx, http.MethodDelete, b.containerURL(c.Name), nil)
}

func (b *Blob) containerURL(name string) string {
	return b.endpoint + "/" + url.PathEscape(b.account) + "/" + url.PathEscape(name)
}

// signURL appends an expiry and an HMAC-SHA256 signature over
// "<path>\n<expiry>" keyed by the account key.
func (b *Blob) signURL(blobURL string) string {
	expiry := strconv.FormatInt(b.now().Add(signedURLTTL).Unix(), 10)
	u, _ := url.Parse(blobURL)
	mac := hmac.New(sha256.New, []byte(b.key))
	mac.Write([]byte(u.Path + "\n" + expiry))
	sig := base64.URLEncoding.EncodeToString(mac.Sum(nil))
	q := url.Values{}
	q.Set("se", expiry)
	q.Set("sig", sig)
	return blobURL + "?" + q.Encode()
}

func (b *Blob) do(ctx context.Context, method, rawURL string, body []byte) error {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, rd)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "SharedKey "+b.account+":"+b.key)
	if body != nil {
		req.Header.Set("Content-Type", "application/octet-stream")
	}
	resp, err := b.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return decodeError(resp)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	re := &batch.RemoteError{}
	if err := json.Unmarshal(body, re); err != nil || re.Code == "" {
		re.Code = fmt.Sprintf("HTTP%d", resp.StatusCode)
		re.Message = strings.TrimSpace(string(body))
		if re.Message == "" {
			re.Message = http.StatusText(resp.StatusCode)
		}
	}
	// The storage API answers 409 for an existing container.
	if resp.StatusCode == http.StatusConflict && re.Code == "HTTP409" {
		re.Code = "ContainerAlreadyExists"
	}
	return re
}
