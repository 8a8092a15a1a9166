package handlers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"carbonshot/internal/carbon"
	"carbonshot/internal/chrome"
	u "carbonshot/internal/utils"
)

// ImageRequestParams holds validated input for one render.
type ImageRequestParams struct {
	Code    string
	Options carbon.Options
	URL     string
}

type imageForm struct {
	Code       string `json:"code" form:"code"`
	Language   string `json:"language" form:"language"`
	Background string `json:"background" form:"background"`
	Theme      string `json:"theme" form:"theme"`
	WordWrap   string `json:"wt" form:"wt"`
}

func (f imageForm) options() carbon.Options {
	return carbon.Options{Language: f.Language, Background: f.Background, Theme: f.Theme, WordWrap: f.WordWrap}
}

// ImageService renders code images and serves them over HTTP. Renders are
// serialized: only one browser session runs at a time.
type ImageService struct {
	Config *u.Config
	Redis  *redis.Client

	generator *carbon.Generator
	render    func(ctx context.Context, code string, req carbon.Request) error
	slot      chan struct{}

	statsMu sync.Mutex
	stats   renderStats
}

type renderStats struct {
	Total        int64     `json:"total"`
	Failed       int64     `json:"failed"`
	CacheHits    int64     `json:"cache_hits"`
	LastDuration string    `json:"last_duration"`
	LastRender   time.Time `json:"last_render"`
}

// NewImageService creates an ImageService from cfg. rdb may be nil.
func NewImageService(cfg u.Config, rdb *redis.Client) *ImageService {
	svc := &ImageService{
		Config:    &cfg,
		Redis:     rdb,
		generator: carbon.NewGenerator(cfg),
		slot:      make(chan struct{}, 1),
	}
	svc.render = svc.generator.CreateCodeImage
	return svc
}

// HandleRender renders a code image, or serves a cached copy.
func (svc *ImageService) HandleRender(c *fiber.Ctx) error {
	var form imageForm
	if err := c.BodyParser(&form); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "Invalid request body")
	}
	params, err := svc.validateImageParams(form.Code, form.options())
	if err != nil {
		return err
	}
	return svc.processImageGeneration(c, params)
}

// HandleURL returns the carbon URL for the query without rendering.
// Options use the keyword names language, background, theme and wt.
func (svc *ImageService) HandleURL(c *fiber.Ctx) error {
	q := c.Queries()
	params, err := svc.validateImageParams(q["code"], carbon.OptionsFromMap(q))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"url": params.URL})
}

// HandleStats exposes render counters and the wait settings.
func (svc *ImageService) HandleStats(c *fiber.Ctx) error {
	svc.statsMu.Lock()
	s := svc.stats
	svc.statsMu.Unlock()

	return c.JSON(fiber.Map{
		"renders":   s,
		"busy":      len(svc.slot) > 0,
		"wait_secs": svc.Config.Browser.WaitSecs,
		"wait_mode": svc.generator.Session.WaitMode,
		"base_url":  svc.generator.BaseURL,
	})
}

func (svc *ImageService) validateImageParams(code string, opts carbon.Options) (*ImageRequestParams, error) {
	if code == "" {
		return nil, fiber.NewError(fiber.StatusBadRequest, "Invalid code: missing")
	}
	if limit := svc.Config.Limits.MaxCodeBytes; limit > 0 && len(code) > limit {
		return nil, fiber.NewError(fiber.StatusRequestEntityTooLarge, fmt.Sprintf("Code exceeds %d bytes", limit))
	}

	d := svc.Config.Carbon.Defaults
	opts = opts.Merge(carbon.Options{
		Language:   d.Language,
		Background: d.Background,
		Theme:      d.Theme,
		WordWrap:   d.WordWrap,
	})
	url, err := svc.generator.URL(code, opts)
	if err != nil {
		return nil, fiber.NewError(fiber.StatusBadRequest, "Invalid options: "+err.Error())
	}
	return &ImageRequestParams{Code: code, Options: opts, URL: url}, nil
}

// computeImageCacheKey hashes the request URL, which fully determines the
// image.
func computeImageCacheKey(params *ImageRequestParams) string {
	sum := sha256.Sum256([]byte(params.URL))
	return "imgcache:" + hex.EncodeToString(sum[:])
}

func (svc *ImageService) processImageGeneration(c *fiber.Ctx, params *ImageRequestParams) error {
	cacheKey := computeImageCacheKey(params)
	useCache := svc.Redis != nil && svc.Config.Cache.ImageCacheEnabled

	if useCache {
		if cached, err := getCachedImage(c, svc.Redis, cacheKey); err == nil && cached != nil {
			svc.record(0, nil, true)
			return sendImage(c, cached)
		}
	}

	img, err := svc.renderImage(c.UserContext(), params)
	if err != nil {
		return err
	}

	if limit := svc.Config.Limits.MaxImageBytes; limit > 0 && len(img) > limit {
		return fiber.NewError(fiber.StatusRequestEntityTooLarge, "Image exceeds allowed size")
	}

	if useCache {
		setCachedImage(c, svc.Redis, cacheKey, img, svc.Config.Cache.ImageCacheTTL)
	}

	u.Info("Code image generated", "language", params.Options.Language, "bytes", len(img), "request_id", c.GetRespHeader(fiber.HeaderXRequestID))
	return sendImage(c, img)
}

func sendImage(c *fiber.Ctx, img []byte) error {
	c.Set(fiber.HeaderContentType, "image/png")
	c.Set(fiber.HeaderContentDisposition, "attachment; filename=carbon.png")
	return c.Send(img)
}

// renderImage runs one export into a private temp directory and returns the
// downloaded bytes.
func (svc *ImageService) renderImage(ctx context.Context, params *ImageRequestParams) ([]byte, error) {
	acquireCtx, cancel := context.WithTimeout(ctx, svc.Config.Browser.AcquireTimeout())
	defer cancel()
	select {
	case svc.slot <- struct{}{}:
	case <-acquireCtx.Done():
		return nil, fiber.NewError(fiber.StatusServiceUnavailable, "Renderer busy")
	}
	defer func() { <-svc.slot }()

	dest, err := os.MkdirTemp("", "carbonshot-render-*")
	if err != nil {
		return nil, fmt.Errorf("cannot create render dir: %w", err)
	}
	defer os.RemoveAll(dest)

	start := time.Now()
	img, err := svc.exportAndRead(ctx, params, dest)
	svc.record(time.Since(start), err, false)
	if err != nil {
		return nil, renderError(err)
	}
	return img, nil
}

func (svc *ImageService) exportAndRead(ctx context.Context, params *ImageRequestParams, dest string) ([]byte, error) {
	if err := svc.render(ctx, params.Code, carbon.Request{Options: params.Options, Destination: dest}); err != nil {
		return nil, err
	}
	path, err := carbon.FindImage(dest, time.Time{})
	if err != nil {
		return nil, err
	}
	return os.ReadFile(path)
}

// renderError maps an export failure to an HTTP error.
func renderError(err error) error {
	switch {
	case errors.Is(err, carbon.ErrMissingOption):
		return fiber.NewError(fiber.StatusBadRequest, "Invalid options: "+err.Error())
	case errors.Is(err, carbon.ErrNoImage):
		u.Warn("Export finished without an image", "error", err)
		return fiber.NewError(fiber.StatusGatewayTimeout, "Image download did not complete")
	case errors.Is(err, chrome.ErrElementNotFound):
		u.Error("Carbon page did not expose export controls", "error", err)
		return fiber.NewError(fiber.StatusBadGateway, "Carbon export controls not found")
	case chrome.FailedStep(err) == chrome.StepNavigate && !chrome.IsSessionInterrupted(err):
		u.Error("Carbon page navigation failed", "error", err)
		return fiber.NewError(fiber.StatusBadGateway, "Carbon page could not be loaded")
	case chrome.IsSessionInterrupted(err):
		u.Error("Chrome session interrupted", "error", err)
		return fiber.NewError(fiber.StatusServiceUnavailable, "Chrome session interrupted")
	default:
		u.Error("Code image generation failed", "error", err)
		return fiber.NewError(fiber.StatusInternalServerError, "Code image generation failed: "+err.Error())
	}
}

func (svc *ImageService) record(d time.Duration, err error, cacheHit bool) {
	svc.statsMu.Lock()
	defer svc.statsMu.Unlock()
	if cacheHit {
		svc.stats.CacheHits++
		return
	}
	svc.stats.Total++
	if err != nil {
		svc.stats.Failed++
	}
	svc.stats.LastDuration = d.String()
	svc.stats.LastRender = time.Now()
}

func getCachedImage(c *fiber.Ctx, rdb *redis.Client, key string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(c.UserContext(), time.Second)
	defer cancel()

	cached, err := rdb.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		u.Warn("Redis read failed", "error", err)
		return nil, err
	}
	u.Info("Image cache hit", "key", key)
	return cached, nil
}

func setCachedImage(c *fiber.Ctx, rdb *redis.Client, key string, data []byte, ttl time.Duration) {
	ctx, cancel := context.WithTimeout(c.UserContext(), time.Second)
	defer cancel()

	if ttl <= 0 {
		ttl = time.Minute
	}
	if err := rdb.Set(ctx, key, data, ttl).Err(); err != nil {
		u.Warn("Redis write failed", "error", err)
	}
}
