package provisioning

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// HTTPSender PUTs the response document to the pre-signed callback URL.
type HTTPSender struct {
	Client *http.Client
}

func NewHTTPSender(timeout time.Duration) *HTTPSender {
	return &HTTPSender{Client: &http.Client{Timeout: timeout}}
}

func (s *HTTPSender) Send(ctx context.Context, responseURL string, resp Response) error {
	if responseURL == "" {
		return fmt.Errorf("response url is empty")
	}
	body, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encode callback: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, responseURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build callback: %w", err)
	}
	// Pre-signed callback URLs are signed without a content type.
	req.Header["Content-Type"] = []string{""}
	req.Header.Set("Content-Length", strconv.Itoa(len(body)))
	req.ContentLength = int64(len(body))

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	res, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("put callback: %w", err)
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, res.Body)
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return fmt.Errorf("put callback: status %d", res.StatusCode)
	}
	return nil
}
