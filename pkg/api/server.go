// Package api exposes the recognition engine over HTTP.
package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/MrCodeEU/faceid/pkg/config"
	"github.com/MrCodeEU/faceid/pkg/corpus"
	"github.com/MrCodeEU/faceid/pkg/faceimage"
	"github.com/MrCodeEU/faceid/pkg/journal"
	"github.com/MrCodeEU/faceid/pkg/logging"
	"github.com/MrCodeEU/faceid/pkg/recognition"
)

// Error codes returned in the "code" field of error responses.
const (
	CodeDecodeError     = "DECODE_ERROR"
	CodeCorpusIntegrity = "CORPUS_INTEGRITY"
	CodeIngestFailed    = "INGEST_FAILED"
	CodeInvalidName     = "INVALID_NAME"
	CodeBadRequest      = "BAD_REQUEST"
	CodeInternal        = "INTERNAL_ERROR"
	CodeUnavailable     = "UNAVAILABLE"
)

// Engine is the part of recognition.Engine the server needs.
type Engine interface {
	Recognize(ctx context.Context, raw []byte) (recognition.Result, error)
	Ingest(ctx context.Context, name string, raws [][]byte) (recognition.IngestReport, error)
	Train(ctx context.Context) (recognition.Stats, error)
	Stats() recognition.Stats
}

// Journal is the part of journal.Journal the server needs.
type Journal interface {
	RecordConfirmation(ctx context.Context, name, confirmation string) error
	Attendance(ctx context.Context, day string) ([]journal.Attendance, error)
	Confirmations(ctx context.Context, day string) ([]journal.Confirmation, error)
	Today() string
}

// Server serves the HTTP API.
type Server struct {
	engine  Engine
	journal Journal
	cfg     config.ServerConfig
	router  *gin.Engine
}

// NewServer builds the router. journal may be nil, in which case the
// journal routes answer 503.
func NewServer(engine Engine, j Journal, cfg config.ServerConfig) *Server {
	if !cfg.Debug && gin.Mode() == gin.DebugMode {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{engine: engine, journal: j, cfg: cfg}

	router := gin.New()
	_ = router.SetTrustedProxies(nil)
	router.Use(gin.Recovery(), requestLogger())

	origins := cfg.AllowOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:  origins,
		AllowMethods:  []string{"GET", "POST"},
		AllowHeaders:  []string{"Origin", "Content-Type"},
		ExposeHeaders: []string{"Content-Length", "Content-Disposition"},
		MaxAge:        12 * time.Hour,
	}))
	if cfg.MaxUploadMB > 0 {
		router.MaxMultipartMemory = int64(cfg.MaxUploadMB) << 20
		router.Use(limitBody(int64(cfg.MaxUploadMB) << 20))
	}

	router.POST("/recognize", s.handleRecognize)
	router.POST("/persons", s.handleIngest)
	router.POST("/train", s.handleTrain)
	router.GET("/status", s.handleStatus)

	v1 := router.Group("/api/v1/faces")
	v1.POST("/identify", s.handleIdentify)
	v1.POST("/confirmation", s.handleConfirmation)
	v1.GET("/attendance", s.handleAttendance)
	v1.GET("/confirmations", s.handleConfirmations)

	s.router = router
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.BindAddress,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Component("api").Infof("Listening on %s", s.cfg.BindAddress)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		logging.Component("api").Info("Shutting down")
		return srv.Shutdown(shutdownCtx)
	}
}

// requestLogger routes gin access logs through logrus.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		entry := logging.Component("api").WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"status":  c.Writer.Status(),
			"latency": time.Since(start).String(),
			"client":  c.ClientIP(),
		})
		if len(c.Errors) > 0 {
			entry.Warn(c.Errors.String())
			return
		}
		entry.Debug("Request handled")
	}
}

func limitBody(limit int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit)
		}
		c.Next()
	}
}

func abort(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, gin.H{"error": message, "code": code})
}

// abortErr maps engine errors to responses.
func abortErr(c *gin.Context, err error) {
	_ = c.Error(err)

	var maxErr *http.MaxBytesError
	switch {
	case errors.As(err, &maxErr):
		abort(c, http.StatusRequestEntityTooLarge, CodeBadRequest, "upload too large")
	case errors.Is(err, faceimage.ErrDecode):
		abort(c, http.StatusBadRequest, CodeDecodeError, "image could not be decoded")
	case errors.Is(err, corpus.ErrInvalidName):
		abort(c, http.StatusBadRequest, CodeInvalidName, err.Error())
	case errors.Is(err, corpus.ErrCorpusIntegrity):
		abort(c, http.StatusInternalServerError, CodeCorpusIntegrity, "training data is damaged")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		abort(c, http.StatusServiceUnavailable, CodeUnavailable, "request cancelled")
	default:
		abort(c, http.StatusInternalServerError, CodeInternal, "internal error")
	}
}

func readFile(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func (s *Server) handleRecognize(c *gin.Context) {
	fh, err := c.FormFile("image")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			abortErr(c, err)
			return
		}
		abort(c, http.StatusBadRequest, CodeBadRequest, "missing form file \"image\"")
		return
	}
	raw, err := readFile(fh)
	if err != nil {
		abort(c, http.StatusBadRequest, CodeBadRequest, "failed to read upload")
		return
	}
	s.recognize(c, raw)
}

func (s *Server) handleIdentify(c *gin.Context) {
	data := c.PostForm("data")
	if data == "" {
		abort(c, http.StatusBadRequest, CodeBadRequest, "missing form field \"data\"")
		return
	}
	// Accept data URLs as sent by browsers.
	if i := strings.Index(data, ","); strings.HasPrefix(data, "data:") && i >= 0 {
		data = data[i+1:]
	}
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		abort(c, http.StatusBadRequest, CodeDecodeError, "data is not valid base64")
		return
	}
	s.recognize(c, raw)
}

func (s *Server) recognize(c *gin.Context, raw []byte) {
	result, err := s.engine.Recognize(c.Request.Context(), raw)
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

type ingestFailure struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

func (s *Server) handleIngest(c *gin.Context) {
	form, err := c.MultipartForm()
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			abortErr(c, err)
			return
		}
		abort(c, http.StatusBadRequest, CodeBadRequest, "expected multipart form")
		return
	}

	name := strings.TrimSpace(c.PostForm("name"))
	files := form.File["images"]
	if len(files) == 0 {
		abort(c, http.StatusBadRequest, CodeBadRequest, "missing form files \"images\"")
		return
	}

	raws := make([][]byte, len(files))
	for i, fh := range files {
		if raws[i], err = readFile(fh); err != nil {
			abort(c, http.StatusBadRequest, CodeBadRequest, fmt.Sprintf("failed to read upload %d", i))
			return
		}
	}

	report, err := s.engine.Ingest(c.Request.Context(), name, raws)
	if errors.Is(err, corpus.ErrInvalidName) {
		abortErr(c, err)
		return
	}

	failures := make([]ingestFailure, len(report.Failed))
	for i, f := range report.Failed {
		failures[i] = ingestFailure{Index: f.Index, Error: f.Err.Error()}
	}
	stored := report.Stored
	if stored == nil {
		stored = []string{}
	}

	if err != nil && len(stored) == 0 {
		_ = c.Error(err)
		c.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{
			"error":  "no image could be ingested",
			"code":   CodeIngestFailed,
			"failed": failures,
		})
		return
	}
	if err != nil {
		_ = c.Error(err)
	}
	c.JSON(http.StatusOK, gin.H{"name": name, "stored": stored, "failed": failures})
}

func (s *Server) handleTrain(c *gin.Context) {
	stats, err := s.engine.Train(c.Request.Context())
	if err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.Stats())
}

func (s *Server) handleConfirmation(c *gin.Context) {
	if s.journal == nil {
		abort(c, http.StatusServiceUnavailable, CodeUnavailable, "journal is disabled")
		return
	}
	name := strings.TrimSpace(c.PostForm("name"))
	confirmation := strings.TrimSpace(c.PostForm("confirmation"))
	if name == "" || confirmation == "" {
		abort(c, http.StatusBadRequest, CodeBadRequest, "name and confirmation are required")
		return
	}
	if err := s.journal.RecordConfirmation(c.Request.Context(), name, confirmation); err != nil {
		abortErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleAttendance(c *gin.Context) {
	s.serveJournalCSV(c, func(ctx context.Context, day string, buf *bytes.Buffer) error {
		rows, err := s.journal.Attendance(ctx, day)
		if err != nil {
			return err
		}
		return journal.WriteAttendanceCSV(buf, rows)
	})
}

func (s *Server) handleConfirmations(c *gin.Context) {
	s.serveJournalCSV(c, func(ctx context.Context, day string, buf *bytes.Buffer) error {
		rows, err := s.journal.Confirmations(ctx, day)
		if err != nil {
			return err
		}
		return journal.WriteConfirmationCSV(buf, rows)
	})
}

// serveJournalCSV answers with the CSV export of the day in ?date=, today by default.
func (s *Server) serveJournalCSV(c *gin.Context, export func(ctx context.Context, day string, buf *bytes.Buffer) error) {
	if s.journal == nil {
		abort(c, http.StatusServiceUnavailable, CodeUnavailable, "journal is disabled")
		return
	}
	day := c.DefaultQuery("date", s.journal.Today())

	var buf bytes.Buffer
	err := export(c.Request.Context(), day, &buf)
	if errors.Is(err, journal.ErrInvalidDay) {
		abort(c, http.StatusBadRequest, CodeBadRequest, err.Error())
		return
	}
	if err != nil {
		abortErr(c, err)
		return
	}
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%s.csv", day))
	c.Data(http.StatusOK, "text/csv; charset=utf-8", buf.Bytes())
}
