// Package imagegen turns text prompts into hosted image URLs. Images
// are rendered by Replicate or Huggingface and mirrored into object
// storage under a fresh key, so every request yields a new URL even
// for an identical prompt.
package imagegen

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

var ErrNoImageBackend = errors.New("imagegen: no image backend configured")

const (
	replicateAPI = "https://api.replicate.com/v1"
	hfAPI        = "https://api-inference.huggingface.co"

	fluxSchnellReplicate = "black-forest-labs/flux-schnell"
	fluxSchnellHF        = "black-forest-labs/FLUX.1-schnell"
	pulidVersion         = "43d309c37ab4e62361e5e29b8e9e867fb2dcbcec77ae91206a8d95ac5dd451a0"

	faceNegativePrompt = "lowres, bad anatomy, bad hands, text, error, missing fingers, extra digit, fewer digits, cropped, worst quality, low quality, normal quality, jpeg artifacts, signature, watermark, username, blurry"

	maxImageBytes = 16 << 20
)

// ObjectStore persists rendered image bytes and returns a public URL.
type ObjectStore interface {
	Put(ctx context.Context, data []byte, contentType string) (string, error)
}

type Generator struct {
	replicateToken string
	hfToken        string
	httpClient     *http.Client
	store          ObjectStore
	log            zerolog.Logger

	replicateBase string
	hfBase        string
}

func New(replicateToken, hfToken string, store ObjectStore, httpClient *http.Client, log zerolog.Logger) *Generator {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 2 * time.Minute}
	}
	return &Generator{
		replicateToken: replicateToken,
		hfToken:        hfToken,
		httpClient:     httpClient,
		store:          store,
		log:            log,
		replicateBase:  replicateAPI,
		hfBase:         hfAPI,
	}
}

// Generate renders the prompt and returns a hosted URL. A non-empty
// faceURL switches to the face-conditioned pipeline seeded with that
// reference image, which needs a Replicate token.
func (g *Generator) Generate(ctx context.Context, prompt, faceURL string) (string, error) {
	var (
		data []byte
		err  error
	)
	switch {
	case faceURL != "" && g.replicateToken != "":
		data, err = g.runFaceConditioned(ctx, prompt, faceURL)
	case g.replicateToken != "":
		data, err = g.runReplicate(ctx, prompt)
	case g.hfToken != "":
		data, err = g.runHuggingface(ctx, prompt)
	default:
		return "", ErrNoImageBackend
	}
	if err != nil {
		return "", err
	}

	url, err := g.store.Put(ctx, data, "image/jpeg")
	if err != nil {
		return "", fmt.Errorf("store image: %w", err)
	}
	g.log.Debug().Int("bytes", len(data)).Str("url", url).Msg("image generated")
	return url, nil
}

func (g *Generator) runReplicate(ctx context.Context, prompt string) ([]byte, error) {
	input := map[string]any{
		"prompt":                 prompt,
		"disable_safety_checker": true,
		"output_format":          "jpg",
		"go_fast":                true,
		"aspect_ratio":           "4:5",
	}
	endpoint := g.replicateBase + "/models/" + fluxSchnellReplicate + "/predictions"
	outputURL, err := g.replicatePredict(ctx, endpoint, map[string]any{"input": input})
	if err != nil {
		return nil, err
	}
	return g.fetch(ctx, outputURL)
}

func (g *Generator) runFaceConditioned(ctx context.Context, prompt, faceURL string) ([]byte, error) {
	// The pulid pipeline keys on a literal "img" token in the prompt.
	input := map[string]any{
		"prompt":                 prompt + " img",
		"main_face_image":        faceURL,
		"disable_safety_checker": true,
		"negative_prompt":        faceNegativePrompt,
		"output_format":          "jpg",
	}
	body := map[string]any{"version": pulidVersion, "input": input}
	outputURL, err := g.replicatePredict(ctx, g.replicateBase+"/predictions", body)
	if err != nil {
		return nil, err
	}
	return g.fetch(ctx, outputURL)
}

// replicatePredict runs one blocking prediction and returns the first
// output URL.
func (g *Generator) replicatePredict(ctx context.Context, endpoint string, payload map[string]any) (string, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal prediction payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(b))
	if err != nil {
		return "", fmt.Errorf("build prediction request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.replicateToken)
	req.Header.Set("Prefer", "wait")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("prediction request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read prediction response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("replicate status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var pred struct {
		Status string          `json:"status"`
		Error  string          `json:"error"`
		Output json.RawMessage `json:"output"`
	}
	if err := json.Unmarshal(respBody, &pred); err != nil {
		return "", fmt.Errorf("decode prediction response: %w", err)
	}
	if pred.Error != "" {
		return "", fmt.Errorf("replicate prediction failed: %s", pred.Error)
	}

	// Output is a list of URLs for most models, a single URL for some.
	var urls []string
	if err := json.Unmarshal(pred.Output, &urls); err != nil {
		var single string
		if err := json.Unmarshal(pred.Output, &single); err != nil || single == "" {
			return "", fmt.Errorf("prediction has no output")
		}
		urls = []string{single}
	}
	if len(urls) == 0 || urls[0] == "" {
		return "", fmt.Errorf("prediction has no output")
	}
	return urls[0], nil
}

func (g *Generator) runHuggingface(ctx context.Context, prompt string) ([]byte, error) {
	payload := map[string]any{
		"inputs": prompt,
		"parameters": map[string]any{
			"height": 512,
			"width":  512,
		},
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal inference payload: %w", err)
	}

	endpoint := g.hfBase + "/models/" + fluxSchnellHF
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("build inference request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.hfToken)

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("inference request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return nil, fmt.Errorf("huggingface status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes))
	if err != nil {
		return nil, fmt.Errorf("read image bytes: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("empty image response")
	}
	return data, nil
}

func (g *Generator) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build image fetch request: %w", err)
	}
	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("image fetch status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes))
	if err != nil {
		return nil, fmt.Errorf("read image bytes: %w", err)
	}
	return data, nil
}
