package federation

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Response is the HQ's view of a proxied remote's HTTP response,
// mirroring the teacher's TunnelResponse shape.
type Response struct {
	Status      int
	Headers     map[string]string
	Body        []byte
	ContentType string
}

// Proxy forwards HQ-side session operations that carry a remoteId to the
// owning remote's HTTP surface and fans back its response, per §4.12.
type Proxy struct {
	registry *Registry
	client   *http.Client
}

// NewProxy returns a Proxy that looks up remotes in registry.
func NewProxy(registry *Registry) *Proxy {
	return &Proxy{
		registry: registry,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// ErrUnknownRemote is returned when remoteId isn't registered.
type ErrUnknownRemote struct{ RemoteID string }

func (e ErrUnknownRemote) Error() string {
	return fmt.Sprintf("federation: unknown remote %q", e.RemoteID)
}

// Forward proxies method/path/body to the remote registered under
// remoteID, copying headers both ways like the teacher's forwardRequest.
func (p *Proxy) Forward(remoteID, method, path string, headers map[string]string, body []byte) (Response, error) {
	remote, ok := p.registry.Get(remoteID)
	if !ok {
		return Response{}, ErrUnknownRemote{RemoteID: remoteID}
	}

	url := strings.TrimRight(remote.URL, "/") + path

	var bodyReader io.Reader
	if len(body) > 0 {
		bodyReader = strings.NewReader(string(body))
	}

	req, err := http.NewRequest(method, url, bodyReader)
	if err != nil {
		return Response{}, fmt.Errorf("federation: build request to remote %s: %w", remote.Name, err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return Response{}, fmt.Errorf("federation: request to remote %s: %w", remote.Name, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Response{}, fmt.Errorf("federation: read response from remote %s: %w", remote.Name, err)
	}

	contentType := resp.Header.Get("Content-Type")
	respHeaders := make(map[string]string)
	for k, v := range resp.Header {
		lower := strings.ToLower(k)
		if lower == "content-encoding" || lower == "transfer-encoding" {
			continue
		}
		if len(v) > 0 {
			respHeaders[k] = v[0]
		}
	}

	return Response{
		Status:      resp.StatusCode,
		Headers:     respHeaders,
		Body:        respBody,
		ContentType: contentType,
	}, nil
}
