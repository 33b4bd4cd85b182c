// Package api exposes the dashboard pipeline over HTTP. Handlers stay
// thin: they pull bytes out of the request or the atlas fetcher, run
// the extract/parse/join pipeline, and hand the assembled payload back
// as JSON. No dashboard data survives between requests; the only
// shared state is the page toggle and the region selection.
package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	qrcode "github.com/skip2/go-qrcode"

	"region-stats-map/pkg/atlasfetch"
	"region-stats-map/pkg/chartdata"
	"region-stats-map/pkg/districtcsv"
	"region-stats-map/pkg/logger"
	"region-stats-map/pkg/regionarchive"
	"region-stats-map/pkg/regiondata"
	"region-stats-map/pkg/regionexport"
	"region-stats-map/pkg/regionjoin"
	"region-stats-map/pkg/viewstate"
)

// maxUploadBytes caps one multipart upload. Generous, because zipped
// geometry for a whole country fits comfortably under it.
const maxUploadBytes = 100 << 20

// Handler wires the pipeline pieces together so routes stay small.
type Handler struct {
	View         *viewstate.State
	Fetch        *atlasfetch.Client
	ArchiveOpts  regionarchive.Options
	UploadLayout districtcsv.Layout
	AtlasLayout  districtcsv.Layout
	Limiter      *RateLimiter
	Logf         func(string, ...any)
	NewRequestID func() string
}

// NewHandler constructs a Handler with sane defaults. logf may be nil
// for quiet logging; callers that want traceable request IDs overwrite
// NewRequestID after construction.
func NewHandler(view *viewstate.State, fetch *atlasfetch.Client, logf func(string, ...any)) *Handler {
	if logf == nil {
		logf = func(string, ...any) {}
	}
	return &Handler{
		View:         view,
		Fetch:        fetch,
		UploadLayout: districtcsv.DefaultLayout(),
		AtlasLayout:  districtcsv.DefaultLayout(),
		Logf:         logf,
		NewRequestID: func() string { return "req" },
	}
}

// Register attaches the JSON routes to mux. Page routes live with the
// templates in the main package; everything data-shaped lands here.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/upload", h.handleUpload)
	mux.HandleFunc("/atlas-data", h.handleAtlasData)
	mux.HandleFunc("/selection", h.handleSelection)
	mux.HandleFunc("/toggle-view", h.handleToggle)
	mux.HandleFunc("/export", h.handleExport)
	mux.HandleFunc("/qrpng", h.handleQR)
}

// ==========================
// Upload dashboard
// ==========================

// handleUpload accepts a zipped geometry archive plus a district CSV
// and answers with the full dashboard payload. The detailed pipeline
// log stays buffered and is only replayed when something breaks.
func (h *Handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	permit, ok := h.acquirePermit(r, RequestPipeline)
	if !ok {
		return
	}
	defer permit.Release()
	requestID := h.NewRequestID()
	logger.Begin(requestID)

	archive, table, err := h.uploadInputs(r)
	if err != nil {
		logger.FlushError(requestID, err)
		h.respondPipelineError(w, requestID, err)
		return
	}
	set, tbl, result, err := h.runUploadPipeline(requestID, archive, table)
	if err != nil {
		logger.FlushError(requestID, err)
		h.respondPipelineError(w, requestID, err)
		return
	}
	dash, err := chartdata.Build(set, tbl, result, h.View.Snapshot())
	if err != nil {
		logger.FlushError(requestID, err)
		h.respondPipelineError(w, requestID, err)
		return
	}
	logger.Success(requestID, fmt.Sprintf("upload: %d regions, %d table rows, %d unmatched",
		len(set.Regions), len(tbl.Districts), len(result.Unmatched)))
	h.respondJSON(w, map[string]any{
		"status":    "success",
		"requestID": requestID,
		"dashboard": dash,
	})
}

// uploadInputs reads the two multipart files of an upload request.
func (h *Handler) uploadInputs(r *http.Request) (archive, table []byte, err error) {
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		return nil, nil, fmt.Errorf("read upload: %w", err)
	}
	archive, err = formFileBytes(r, "archive")
	if err != nil {
		return nil, nil, err
	}
	table, err = formFileBytes(r, "table")
	if err != nil {
		return nil, nil, err
	}
	return archive, table, nil
}

func formFileBytes(r *http.Request, field string) ([]byte, error) {
	f, _, err := r.FormFile(field)
	if err != nil {
		return nil, fmt.Errorf("missing %q file in upload: %w", field, err)
	}
	defer f.Close()
	b, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read %q file: %w", field, err)
	}
	return b, nil
}

// runUploadPipeline is the whole upload path: unpack, parse, join by
// district name.
func (h *Handler) runUploadPipeline(requestID string, archive, table []byte) (*regiondata.RegionSet, *districtcsv.Table, *regionjoin.Result, error) {
	set, err := regionarchive.Extract(archive, h.requestOpts(requestID))
	if err != nil {
		return nil, nil, nil, err
	}
	tbl, err := districtcsv.Parse(bytes.NewReader(table), h.UploadLayout)
	if err != nil {
		return nil, nil, nil, err
	}
	logT(requestID, "Table", "parsed %d rows", len(tbl.Districts))
	result, err := regionjoin.AttributeJoin(set, tbl)
	if err != nil {
		return nil, nil, nil, err
	}
	logT(requestID, "Join", "%d aggregates, %d unmatched rows", len(result.Aggregates), len(result.Unmatched))
	return set, tbl, result, nil
}

// logT formats one "[requestID][component] …" line and hands it to the
// buffered request log.
func logT(requestID, component, format string, v ...any) {
	line := fmt.Sprintf("[%-6s][%s] %s", requestID, component, fmt.Sprintf(format, v...))
	logger.Append(requestID, line)
}

// acquirePermit reserves the caller's per-IP slot. A nil limiter always
// grants. A false return means the client gave up while queued and the
// handler should just stop.
func (h *Handler) acquirePermit(r *http.Request, kind RequestKind) (*Permit, bool) {
	permit, err := h.Limiter.Acquire(r.Context(), clientIP(r), kind)
	if err != nil {
		return nil, false
	}
	// Channel hops make sub-millisecond waits unavoidable; only real
	// queueing is worth a log line.
	if permit != nil && permit.WaitNotice && permit.WaitDuration >= time.Second {
		h.Logf("%s waited %s for a pipeline slot", clientIP(r), permit.WaitDuration)
	}
	return permit, true
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// requestOpts clones the archive options with logging routed into the
// per-request buffer.
func (h *Handler) requestOpts(requestID string) regionarchive.Options {
	opts := h.ArchiveOpts
	opts.Logf = func(format string, args ...any) {
		logT(requestID, "Extract", format, args...)
	}
	return opts
}

// ==========================
// Atlas dashboard
// ==========================

// handleAtlasData builds the remote-data dashboard. Both downloads run
// in parallel; the pipeline afterwards is the spatial twin of the
// upload path.
func (h *Handler) handleAtlasData(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}
	permit, ok := h.acquirePermit(r, RequestPipeline)
	if !ok {
		return
	}
	defer permit.Release()
	requestID := h.NewRequestID()
	logger.Begin(requestID)

	archive, table, err := h.atlasInputs(r)
	if err != nil {
		logger.FlushError(requestID, err)
		h.respondErrorCode(w, http.StatusBadGateway, pipelineMessage(err))
		return
	}
	set, tbl, result, err := h.runAtlasPipeline(requestID, archive, table)
	if err != nil {
		logger.FlushError(requestID, err)
		h.respondPipelineError(w, requestID, err)
		return
	}
	dash, err := chartdata.Build(set, tbl, result, h.View.Snapshot())
	if err != nil {
		logger.FlushError(requestID, err)
		h.respondPipelineError(w, requestID, err)
		return
	}
	logger.Success(requestID, fmt.Sprintf("atlas: %d regions, %d points, %d unmatched",
		len(set.Regions), len(dash.Points), len(result.Unmatched)))
	h.respondJSON(w, map[string]any{
		"status":    "success",
		"requestID": requestID,
		"dashboard": dash,
	})
}

// atlasInputs downloads the table and the archive side by side. One
// goroutine per download, results meet on a channel; the first error
// to arrive decides the outcome.
func (h *Handler) atlasInputs(r *http.Request) (archive, table []byte, err error) {
	type fetched struct {
		what string
		data []byte
		err  error
	}
	ctx := r.Context()
	results := make(chan fetched, 2)
	go func() {
		b, err := h.Fetch.FetchArchive(ctx)
		results <- fetched{"archive", b, err}
	}()
	go func() {
		b, err := h.Fetch.FetchTable(ctx)
		results <- fetched{"table", b, err}
	}()
	for i := 0; i < 2; i++ {
		res := <-results
		if res.err != nil && err == nil {
			err = res.err
		}
		switch res.what {
		case "archive":
			archive = res.data
		case "table":
			table = res.data
		}
	}
	if err != nil {
		return nil, nil, err
	}
	return archive, table, nil
}

func (h *Handler) runAtlasPipeline(requestID string, archive, table []byte) (*regiondata.RegionSet, *districtcsv.Table, *regionjoin.Result, error) {
	set, err := regionarchive.Extract(archive, h.requestOpts(requestID))
	if err != nil {
		return nil, nil, nil, err
	}
	tbl, err := districtcsv.Parse(bytes.NewReader(table), h.AtlasLayout)
	if err != nil {
		return nil, nil, nil, err
	}
	logT(requestID, "Table", "parsed %d rows", len(tbl.Districts))
	result, err := regionjoin.SpatialJoin(set, tbl)
	if err != nil {
		return nil, nil, nil, err
	}
	logT(requestID, "Join", "%d aggregates, %d unmatched rows", len(result.Aggregates), len(result.Unmatched))
	return set, tbl, result, nil
}

// ==========================
// Selection and page toggle
// ==========================

// handleSelection reads or replaces the highlighted region set.
func (h *Handler) handleSelection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		h.respondSnapshot(w, h.View.Snapshot())
	case http.MethodPost:
		var body struct {
			Selected []string `json:"selected"`
		}
		dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
		if err := dec.Decode(&body); err != nil {
			h.respondErrorCode(w, http.StatusBadRequest, fmt.Sprintf("bad selection payload: %v", err))
			return
		}
		h.respondSnapshot(w, h.View.SetSelected(body.Selected))
	default:
		http.Error(w, "GET or POST only", http.StatusMethodNotAllowed)
	}
}

// handleToggle flips which dashboard the root URL lands on.
func (h *Handler) handleToggle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST only", http.StatusMethodNotAllowed)
		return
	}
	snap := h.View.Toggle()
	h.Logf("landing page toggled to %s", snap.Page)
	h.respondSnapshot(w, snap)
}

func (h *Handler) respondSnapshot(w http.ResponseWriter, snap viewstate.Snapshot) {
	h.respondJSON(w, map[string]any{
		"page":     snap.Page,
		"selected": snap.Selected,
		"location": pageLocation(snap.Page),
	})
}

func pageLocation(p viewstate.Page) string {
	if p == viewstate.PageAtlas {
		return "/atlas-view"
	}
	return "/upload-view"
}

// ==========================
// Export bundle
// ==========================

// handleExport streams a ZIP with the aggregated statistics and the
// joined geometry. GET rebuilds the atlas dataset from the remote
// sources; POST accepts the same multipart pair as /upload and bundles
// that instead. Either way nothing is remembered afterwards.
func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		http.Error(w, "GET or POST only", http.StatusMethodNotAllowed)
		return
	}
	permit, ok := h.acquirePermit(r, RequestPipeline)
	if !ok {
		return
	}
	defer permit.Release()
	requestID := h.NewRequestID()
	logger.Begin(requestID)

	var (
		set    *regiondata.RegionSet
		result *regionjoin.Result
		err    error
	)
	if r.Method == http.MethodGet {
		var archive, table []byte
		if archive, table, err = h.atlasInputs(r); err == nil {
			set, _, result, err = h.runAtlasPipeline(requestID, archive, table)
		}
	} else {
		var archive, table []byte
		if archive, table, err = h.uploadInputs(r); err == nil {
			set, _, result, err = h.runUploadPipeline(requestID, archive, table)
		}
	}
	if err != nil {
		logger.FlushError(requestID, err)
		h.respondPipelineError(w, requestID, err)
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="region-stats.zip"`)
	if err := regionexport.WriteBundle(w, set, result); err != nil {
		// Headers are out the door already; all we can do is log.
		logger.FlushError(requestID, err)
		return
	}
	logger.Success(requestID, fmt.Sprintf("export: %d aggregates", len(result.Aggregates)))
}

// ==========================
// QR share codes
// ==========================

// handleQR renders a PNG QR code pointing at one of our own pages, so
// a dashboard on a wall display can be pulled onto a phone. Only local
// paths are encoded; this is not a general QR service.
func (h *Handler) handleQR(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "GET only", http.StatusMethodNotAllowed)
		return
	}
	path := r.URL.Query().Get("path")
	if path == "" {
		path = "/"
	}
	if path[0] != '/' {
		http.Error(w, "path must be local", http.StatusBadRequest)
		return
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	png, err := qrcode.Encode(scheme+"://"+r.Host+path, qrcode.Medium, 256)
	if err != nil {
		h.respondErrorCode(w, http.StatusInternalServerError, fmt.Sprintf("render qr: %v", err))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(png)
}

// ==========================
// Shared response helpers
// ==========================

func (h *Handler) respondJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}

// respondPipelineError folds every pipeline failure into the one
// user-visible message shape. Data problems the user can fix are 400s,
// everything else is a 500; the message text reads the same either
// way.
func (h *Handler) respondPipelineError(w http.ResponseWriter, requestID string, err error) {
	status := http.StatusInternalServerError
	if isUserDataError(err) {
		status = http.StatusBadRequest
	}
	h.Logf("request %s failed: %v", requestID, err)
	h.respondErrorCode(w, status, pipelineMessage(err))
}

func (h *Handler) respondErrorCode(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(map[string]string{"status": "error", "message": message})
}

// pipelineMessage is the single catch-all error text both dashboards
// show, whatever actually broke underneath.
func pipelineMessage(err error) string {
	return fmt.Sprintf("Error processing files: %v", err)
}

func isUserDataError(err error) bool {
	var badField *districtcsv.InvalidFieldTypeError
	var missingJoin *regionjoin.MissingJoinColumnError
	return errors.Is(err, regionarchive.ErrMalformedArchive) ||
		errors.Is(err, regionarchive.ErrMissingGeometryFile) ||
		errors.Is(err, regionarchive.ErrUnparsableGeometry) ||
		errors.As(err, &badField) ||
		errors.As(err, &missingJoin)
}
