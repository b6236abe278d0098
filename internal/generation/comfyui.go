package generation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/genbot/backend/internal/config"
	"github.com/genbot/backend/internal/models"
)

const (
	requestTimeout   = 30 * time.Second
	maxResponseBytes = 1 << 20
	maxImageBytes    = 20 << 20
	maxPollErrors    = 5
)

// ComfyClient talks to ComfyUI's HTTP API. Images and videos may be served
// by different ComfyUI instances.
type ComfyClient struct {
	cfg        config.Generation
	workflows  *Workflows
	httpClient *http.Client
	logger     *slog.Logger

	retryInitial  time.Duration
	maxPollErrors int
}

func NewComfyClient(cfg config.Generation, workflows *Workflows, logger *slog.Logger) *ComfyClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &ComfyClient{
		cfg:           cfg,
		workflows:     workflows,
		httpClient:    &http.Client{Timeout: requestTimeout},
		logger:        logger,
		retryInitial:  500 * time.Millisecond,
		maxPollErrors: maxPollErrors,
	}
}

var _ Client = (*ComfyClient)(nil)

func (c *ComfyClient) baseURL(kind string) string {
	if kind == models.JobKindVideo {
		return strings.TrimRight(c.cfg.VideoURL, "/")
	}
	return strings.TrimRight(c.cfg.ImageURL, "/")
}

func (c *ComfyClient) pollInterval(kind string) time.Duration {
	if kind == models.JobKindVideo {
		return c.cfg.VideoPollInterval
	}
	return c.cfg.ImagePollInterval
}

// Submit renders the kind's workflow and queues it. Transport errors, 5xx and
// 429 are retried with exponential backoff; any other rejection is final.
func (c *ComfyClient) Submit(ctx context.Context, kind string, p Params) (Handle, error) {
	if kind != models.JobKindImage && kind != models.JobKindVideo {
		return "", fmt.Errorf("%w: unknown kind %q", ErrSubmit, kind)
	}
	base := c.baseURL(kind)

	workflow := WorkflowImage
	var image string
	if kind == models.JobKindVideo {
		workflow = WorkflowVideo
		if p.InputImageURL != "" {
			workflow = WorkflowVideoI2V
			name, err := retryTransient(ctx, c, "upload image", func() (string, error) {
				return c.uploadImage(ctx, base, p.InputImageURL)
			})
			if err != nil {
				return "", submitError(err)
			}
			image = name
		}
	}

	graph, err := c.workflows.Render(workflow, p, image)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSubmit, err)
	}
	body, err := sjson.SetRawBytes([]byte(`{}`), "prompt", graph)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSubmit, err)
	}
	if body, err = sjson.SetBytes(body, "client_id", c.cfg.ClientID); err != nil {
		return "", fmt.Errorf("%w: %v", ErrSubmit, err)
	}

	promptID, err := retryTransient(ctx, c, "queue prompt", func() (string, error) {
		return c.queuePrompt(ctx, base, body)
	})
	if err != nil {
		return "", submitError(err)
	}
	c.logger.Info("generation submitted", "kind", kind, "prompt_id", promptID, "workflow", workflow)
	return NewHandle(kind, promptID), nil
}

func submitError(err error) error {
	if errors.Is(err, ErrSubmit) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrSubmit, err)
}

func retryTransient[T any](ctx context.Context, c *ComfyClient, op string, fn func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.retryInitial
	b.MaxInterval = 10 * time.Second
	attempts := c.cfg.SubmitAttempts
	if attempts < 1 {
		attempts = 1
	}
	return backoff.Retry[T](ctx, fn,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(attempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.logger.Warn("comfyui request failed, retrying", "op", op, "error", err, "backoff", next)
		}),
	)
}

// classify turns an HTTP status into nil, a retryable error or a permanent one.
func classify(op string, status int, body []byte) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests || status >= 500:
		return fmt.Errorf("%s: status %d", op, status)
	default:
		return backoff.Permanent(fmt.Errorf("%w: %s: status %d: %s", ErrSubmit, op, status, snippet(body)))
	}
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}

func (c *ComfyClient) queuePrompt(ctx context.Context, base string, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/prompt", bytes.NewReader(body))
	if err != nil {
		return "", backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	data, status, err := c.do(req)
	if err != nil {
		return "", err
	}
	if err := classify("queue prompt", status, data); err != nil {
		return "", err
	}
	id := gjson.GetBytes(data, "prompt_id")
	if !gjson.ValidBytes(data) || id.String() == "" {
		return "", backoff.Permanent(fmt.Errorf("%w: queue prompt: malformed response", ErrSubmit))
	}
	return id.String(), nil
}

// uploadImage copies the source image into ComfyUI's input folder and returns
// the name the LoadImage node should reference.
func (c *ComfyClient) uploadImage(ctx context.Context, base, src string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return "", backoff.Permanent(fmt.Errorf("%w: input image url: %v", ErrSubmit, err))
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	img, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes))
	resp.Body.Close()
	if err != nil {
		return "", err
	}
	if err := classify("fetch input image", resp.StatusCode, nil); err != nil {
		return "", err
	}

	filename := path.Base(req.URL.Path)
	if filename == "" || filename == "/" || filename == "." {
		filename = "input.png"
	}
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("image", filename)
	if err != nil {
		return "", backoff.Permanent(err)
	}
	if _, err := fw.Write(img); err != nil {
		return "", backoff.Permanent(err)
	}
	if err := mw.WriteField("overwrite", "true"); err != nil {
		return "", backoff.Permanent(err)
	}
	if err := mw.Close(); err != nil {
		return "", backoff.Permanent(err)
	}

	up, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/upload/image", &buf)
	if err != nil {
		return "", backoff.Permanent(err)
	}
	up.Header.Set("Content-Type", mw.FormDataContentType())
	data, status, err := c.do(up)
	if err != nil {
		return "", err
	}
	if err := classify("upload image", status, data); err != nil {
		return "", err
	}
	name := gjson.GetBytes(data, "name").String()
	if name == "" {
		return "", backoff.Permanent(fmt.Errorf("%w: upload image: malformed response", ErrSubmit))
	}
	if sub := gjson.GetBytes(data, "subfolder").String(); sub != "" {
		name = sub + "/" + name
	}
	return name, nil
}

func (c *ComfyClient) do(req *http.Request) ([]byte, int, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, 0, err
	}
	return data, resp.StatusCode, nil
}

// Await polls the history endpoint at the kind's interval. It is a pure
// suspension point: cancelling ctx returns ctx.Err() promptly.
func (c *ComfyClient) Await(ctx context.Context, h Handle, timeout time.Duration) (*Artifact, error) {
	kind, promptID, err := h.Parse()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRemoteFailure, err)
	}
	base := c.baseURL(kind)

	ceiling := time.NewTimer(timeout)
	defer ceiling.Stop()
	ticker := time.NewTicker(c.pollInterval(kind))
	defer ticker.Stop()

	pollErrors := 0
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ceiling.C:
			return nil, fmt.Errorf("%w after %s", ErrTimeout, timeout)
		case <-ticker.C:
		}

		art, err := c.poll(ctx, kind, base, promptID)
		switch {
		case err == nil && art != nil:
			return art, nil
		case err == nil:
			pollErrors = 0
		case errors.Is(err, ErrRemoteFailure):
			return nil, err
		case ctx.Err() != nil:
			return nil, ctx.Err()
		default:
			pollErrors++
			c.logger.Warn("comfyui poll failed", "prompt_id", promptID, "error", err, "consecutive", pollErrors)
			if pollErrors > c.maxPollErrors {
				return nil, fmt.Errorf("%w: %d consecutive poll errors: %v", ErrRemoteFailure, pollErrors, err)
			}
		}
	}
}

// poll returns (nil, nil) while the job is queued or running.
func (c *ComfyClient) poll(ctx context.Context, kind, base, promptID string) (*Artifact, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/history/"+url.PathEscape(promptID), nil)
	if err != nil {
		return nil, err
	}
	data, status, err := c.do(req)
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		return nil, fmt.Errorf("history: status %d", status)
	}
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("%w: history returned invalid JSON", ErrRemoteFailure)
	}

	entry := gjson.GetBytes(data, gjson.Escape(promptID))
	if !entry.Exists() {
		return nil, nil
	}
	if entry.Get("status.status_str").String() == "error" {
		return nil, fmt.Errorf("%w: %s", ErrRemoteFailure, executionError(entry))
	}
	if file, ok := firstOutputFile(entry.Get("outputs")); ok {
		return c.artifact(kind, base, file), nil
	}
	if entry.Get("status.completed").Bool() || entry.Get("status.status_str").String() == "success" {
		return nil, fmt.Errorf("%w: finished without an output file", ErrRemoteFailure)
	}
	return nil, nil
}

func executionError(entry gjson.Result) string {
	msg := "execution error"
	entry.Get("status.messages").ForEach(func(_, m gjson.Result) bool {
		if m.Get("0").String() == "execution_error" {
			if s := m.Get("1.exception_message").String(); s != "" {
				msg = strings.TrimSpace(s)
			}
			return false
		}
		return true
	})
	return msg
}

func firstOutputFile(outputs gjson.Result) (gjson.Result, bool) {
	var found gjson.Result
	outputs.ForEach(func(_, node gjson.Result) bool {
		for _, key := range []string{"videos", "gifs", "images"} {
			for _, f := range node.Get(key).Array() {
				if f.Get("filename").String() != "" && f.Get("type").String() != "temp" {
					found = f
					return false
				}
			}
		}
		return true
	})
	return found, found.Exists()
}

func (c *ComfyClient) artifact(kind, base string, file gjson.Result) *Artifact {
	public := strings.TrimRight(c.cfg.PublicURL, "/")
	if public == "" {
		public = base
	}
	typ := file.Get("type").String()
	if typ == "" {
		typ = "output"
	}
	q := url.Values{}
	q.Set("filename", file.Get("filename").String())
	q.Set("subfolder", file.Get("subfolder").String())
	q.Set("type", typ)
	return &Artifact{
		URL:       public + "/view?" + q.Encode(),
		Filename:  file.Get("filename").String(),
		MediaType: kind,
	}
}
