package deploy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Client uploads bundles to a daemon's deploy service.
type Client struct {
	// BaseURL is the daemon address, for example "http://localhost:8000".
	BaseURL string
	// HTTP is the client used for both requests.
	HTTP *http.Client
}

// NewClient returns a client for the daemon at base.
func NewClient(base string) *Client {
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &Client{
		BaseURL: strings.TrimSuffix(base, "/"),
		HTTP:    &http.Client{Timeout: 5 * time.Minute},
	}
}

// DeployError is a rejected upload.
type DeployError struct {
	Status  int
	Message string
}

// Error returns the error message.
func (e *DeployError) Error() string {
	return fmt.Sprintf("deploy: %d %s", e.Status, e.Message)
}

// Nonce fetches a fresh nonce and the cookies binding it.
func (c *Client) Nonce(ctx context.Context) (string, []*http.Cookie, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+Path, nil)
	if err != nil {
		return "", nil, err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return "", nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return "", nil, &DeployError{Status: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}
	return strings.TrimSpace(string(body)), resp.Cookies(), nil
}

// Deploy uploads file. The daemon's answer, progress dots included, is copied
// to out.
func (c *Client) Deploy(ctx context.Context, file, pass string, cluster bool, out io.Writer) error {
	nonce, cookies, err := c.Nonce(ctx)
	if err != nil {
		return err
	}
	digest, err := DigestFile(file)
	if err != nil {
		return err
	}
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+Path, f)
	if err != nil {
		return err
	}
	req.ContentLength = info.Size()
	req.Header.Set("Content-Type", "application/zip")
	req.Header.Set(HeaderFile, filepath.Base(file))
	req.Header.Set(HeaderSize, strconv.FormatInt(info.Size(), 10))
	req.Header.Set(HeaderPass, Salt(digest, pass, nonce))
	req.Header.Set(HeaderCluster, strconv.FormatBool(cluster))
	for _, ck := range cookies {
		req.AddCookie(ck)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return &DeployError{Status: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}
	if out == nil {
		out = io.Discard
	}
	_, err = io.Copy(out, resp.Body)
	return err
}
