package worker

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/tmasuda/dropherd/internal/model"
)

// ProbeAutomator stands in for real browser automation: it routes an
// HTTP request through the task's proxy and maps the response to an
// outcome. Platform automators with actual driver logic replace it via
// Worker.Register.
type ProbeAutomator struct {
	TargetURL string
	Timeout   time.Duration
}

func NewProbeAutomator(targetURL string, timeout time.Duration) *ProbeAutomator {
	return &ProbeAutomator{TargetURL: targetURL, Timeout: timeout}
}

func (a *ProbeAutomator) Execute(ctx context.Context, desc model.TaskDescriptor) Outcome {
	proxyURL := &url.URL{
		Scheme: desc.ProxyScheme,
		Host:   fmt.Sprintf("%s:%d", desc.ProxyHost, desc.ProxyPort),
	}
	if proxyURL.Scheme == "" {
		proxyURL.Scheme = "http"
	}
	if desc.ProxyUsername != "" {
		proxyURL.User = url.UserPassword(desc.ProxyUsername, desc.ProxyPassword)
	}

	client := &http.Client{
		Timeout: a.Timeout,
		Transport: &http.Transport{
			Proxy: http.ProxyURL(proxyURL),
		},
	}
	defer client.CloseIdleConnections()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.TargetURL, nil)
	if err != nil {
		return Outcome{Success: false, FailureReason: model.FailureReasonNetworkError}
	}

	resp, err := client.Do(req)
	if err != nil {
		return Outcome{Success: false, FailureReason: model.FailureReasonNetworkError}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return Outcome{Success: false, FailureReason: model.FailureReasonRateLimited}
	case resp.StatusCode == http.StatusForbidden:
		return Outcome{Success: false, FailureReason: model.FailureReasonCaptchaBlock}
	case resp.StatusCode >= 200 && resp.StatusCode < 400:
		return Outcome{Success: true}
	default:
		return Outcome{Success: false, FailureReason: model.FailureReasonNetworkError}
	}
}
