package main

import (
	"bytes"
	"context"
	"crypto/tls"
	"embed"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"html/template"
	"io"
	"io/fs"
	"log"
	"math/rand"
	"net"
	"net/http"
	"os"
	"runtime"
	"strings"
	"syscall"
	"time"

	"golang.org/x/crypto/acme/autocert"

	"region-stats-map/pkg/api"
	"region-stats-map/pkg/atlasfetch"
	"region-stats-map/pkg/districtcsv"
	"region-stats-map/pkg/mercator"
	"region-stats-map/pkg/regionarchive"
	"region-stats-map/pkg/viewstate"
)

//go:embed public_html/*
var content embed.FS

var domain = flag.String("domain", "", "Use 80 and 443 ports. Automatic HTTPS cert via Let's Encrypt.")
var port = flag.Int("port", 8765, "Port for running the server")
var version = flag.Bool("version", false, "Show the application version")
var startView = flag.String("start-view", "upload", `Dashboard shown on "/": upload or atlas`)
var regionProperty = flag.String("region-property", "REGION_NAM", "GeoJSON property that holds the region name")
var targetCRS = flag.String("target-crs", "EPSG:4326", "Coordinate system the dashboard draws in: EPSG:4326 or EPSG:3857")
var districtColumn = flag.String("district-column", "DISTRICT", "CSV column with the district name")
var areaColumn = flag.String("area-column", "Area", "CSV column with the district area")
var rateColumn = flag.String("rate-column", "Rate", "CSV column with the district rate")
var latColumn = flag.String("lat-column", "Lat", "CSV column with the district latitude (atlas mode)")
var lonColumn = flag.String("lon-column", "Lon", "CSV column with the district longitude (atlas mode)")
var atlasTableURL = flag.String("atlas-table-url", "", "URL of the atlas district CSV (enables the atlas dashboard)")
var atlasArchiveURL = flag.String("atlas-archive-url", "", "URL of the atlas region archive (zip with a GeoJSON inside)")
var defaultLat = flag.Float64("default-lat", 44.08832, "Default map latitude")
var defaultLon = flag.Float64("default-lon", 42.97577, "Default map longitude")
var defaultZoom = flag.Int("default-zoom", 6, "Default map zoom")
var pipelineCooldown = flag.Duration("pipeline-cooldown", 2*time.Second, "Per-IP cooldown between pipeline runs; 0 disables the limiter")

var CompileVersion = "dev"

var translations map[string]map[string]string

// view is the only state shared between requests: which dashboard "/"
// lands on and which regions the user highlighted. Everything else is
// rebuilt per request.
var view *viewstate.State

// =====================
// HTTP plumbing
// =====================

// withServerHeader wraps a handler so that every response carries the
// "Server: region-stats-map/<CompileVersion>" header.
//
// A HEAD request to "/" is answered with a bare 200 OK so that
// monitoring can probe the service cheaply.
func withServerHeader(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", "region-stats-map/"+CompileVersion)

		if r.Method == http.MethodHead && r.URL.Path == "/" {
			w.WriteHeader(http.StatusOK)
			return
		}
		h.ServeHTTP(w, r)
	})
}

// serveWithDomain runs:
//   - :80  — ACME HTTP-01 challenge + 301 redirect to https://<domain>/…
//   - :443 — HTTPS with automatic Let's Encrypt certificates.
//
// If autocert cannot produce a certificate for a host/SNI, the server
// still answers with a previously obtained fallback certificate instead
// of failing the handshake ("host not configured" noise in the logs).
//
// Compatibility: TLS >= 1.0, ALPN h2/http1.1/http1.0. Errors are only
// logged.
func serveWithDomain(domain string, handler http.Handler) {
	// ----------- ACME manager -----------
	certMgr := &autocert.Manager{
		Prompt: autocert.AcceptTOS,
		Cache:  autocert.DirCache("certs"),
		HostPolicy: func(ctx context.Context, host string) error {
			// Allow the bare domain and www.<domain>.
			if host == domain || host == "www."+domain {
				return nil
			}
			// An IP address? Do not block it, just never request a cert for it.
			if net.ParseIP(host) != nil {
				return nil
			}
			return errors.New("acme/autocert: host not configured")
		},
	}

	// ----------- :80 (challenge + redirect) -----------
	go func() {
		mux80 := http.NewServeMux()
		mux80.Handle("/.well-known/acme-challenge/", certMgr.HTTPHandler(nil))
		mux80.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
			target := "https://" + domain + r.URL.RequestURI()
			http.Redirect(w, r, target, http.StatusMovedPermanently)
		})

		log.Printf("HTTP  server (ACME+redirect) ➜ :80")
		if err := (&http.Server{
			Addr:              ":80",
			Handler:           mux80,
			ReadHeaderTimeout: 10 * time.Second,
		}).ListenAndServe(); err != nil {
			log.Printf("HTTP  server error: %v", err)
		}
	}()

	// ----------- daily certificate check -----------
	go func() {
		t := time.NewTicker(24 * time.Hour)
		defer t.Stop()
		for range t.C {
			if _, err := certMgr.GetCertificate(&tls.ClientHelloInfo{ServerName: domain}); err != nil {
				log.Printf("autocert renewal check: %v", err)
			}
		}
	}()

	// ----------- :443 (HTTPS) -----------
	tlsCfg := certMgr.TLSConfig()
	tlsCfg.MinVersion = tls.VersionTLS10
	tlsCfg.NextProtos = append([]string{"http/1.0"}, tlsCfg.NextProtos...)

	// Fallback certificate for IPs / odd SNI values.
	var defaultCert *tls.Certificate
	go func() {
		for defaultCert == nil {
			if c, err := certMgr.GetCertificate(&tls.ClientHelloInfo{ServerName: domain}); err == nil {
				defaultCert = c
			}
			time.Sleep(time.Minute)
		}
	}()
	tlsCfg.GetCertificate = func(chi *tls.ClientHelloInfo) (*tls.Certificate, error) {
		c, err := certMgr.GetCertificate(chi)
		if err == nil {
			return c, nil
		}
		// Any failure: hand out the fallback cert if we already have one.
		if defaultCert != nil {
			return defaultCert, nil
		}
		// No fallback yet, repeat the original error.
		return nil, err
	}

	log.Printf("HTTPS server for %s ➜ :443 (TLS ≥1.0, ALPN h2/http1.1/1.0)", domain)
	if err := (&http.Server{
		Addr:              ":443",
		Handler:           handler,
		TLSConfig:         tlsCfg,
		ReadHeaderTimeout: 10 * time.Second,
	}).ListenAndServeTLS("", ""); err != nil {
		log.Printf("HTTPS server error: %v", err)
	}
}

// isClientDisconnect returns true for network errors indicating that the client
// has gone away (e.g., browser navigated away or closed the tab) while we were
// writing the response. These are normal and should not be logged as errors.
func isClientDisconnect(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "broken pipe") || strings.Contains(msg, "connection reset by peer")
}

// generateRequestID builds a short ID every pipeline run is logged
// under: the millisecond timestamp in base62, padded with random
// characters to a fixed width of 6.
func generateRequestID() string {
	const base62Chars = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
	const maxLength = 6

	timestamp := uint64(time.Now().UnixNano() / 1e6)
	encoded := ""
	base := uint64(len(base62Chars))

	for timestamp > 0 && len(encoded) < maxLength {
		remainder := timestamp % base
		encoded = string(base62Chars[remainder]) + encoded
		timestamp = timestamp / base
	}

	for len(encoded) < maxLength {
		encoded += string(base62Chars[rand.Intn(len(base62Chars))])
	}

	return encoded
}

// =====================
// Translations
// =====================

func loadTranslations(fsys embed.FS, filename string) {
	file, err := fsys.Open(filename)
	if err != nil {
		log.Fatalf("Error opening translation file: %v", err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		log.Fatalf("Error reading translation file: %v", err)
	}

	err = json.Unmarshal(data, &translations)
	if err != nil {
		log.Fatalf("Error parsing translations: %v", err)
	}
}

func getPreferredLanguage(r *http.Request) string {
	langHeader := r.Header.Get("Accept-Language")
	if langHeader == "" {
		return "en"
	}

	supported := map[string]struct{}{
		"en": {}, "ru": {}, "es": {}, "fr": {}, "de": {},
	}

	// Variants that the base-code split alone does not normalise.
	aliases := map[string]string{
		"es-419": "es", // Latin American Spanish
		"gsw":    "de", // Swiss German
		"frc":    "fr", // Cajun French
	}

	langs := strings.Split(langHeader, ",")
	for _, raw := range langs {
		code := strings.TrimSpace(strings.SplitN(raw, ";", 2)[0])
		code = strings.ToLower(strings.ReplaceAll(code, "_", "-"))

		// Base part before the dash ("de" out of "de-DE").
		base := code
		if i := strings.Index(code, "-"); i != -1 {
			base = code[:i]
		}

		if a, ok := aliases[code]; ok {
			base = a
		} else if a, ok := aliases[base]; ok {
			base = a
		}

		if _, ok := supported[base]; ok {
			return base
		}
	}

	return "en"
}

// messagesFor merges the English message set with the requested
// language so the page scripts always find every key.
func messagesFor(lang string) map[string]string {
	out := make(map[string]string, len(translations["en"]))
	for k, v := range translations["en"] {
		out[k] = v
	}
	if lang != "en" {
		for k, v := range translations[lang] {
			out[k] = v
		}
	}
	return out
}

// =====================
// WEB — dashboard pages
// =====================

// clientConfig is everything the page scripts need at boot. It travels
// into the template through the toJSON helper and is parsed back on
// the client.
type clientConfig struct {
	Page            string            `json:"page"`
	Lang            string            `json:"lang"`
	DefaultLat      float64           `json:"defaultLat"`
	DefaultLon      float64           `json:"defaultLon"`
	DefaultZoom     int               `json:"defaultZoom"`
	TargetCRS       string            `json:"targetCrs"`
	AtlasConfigured bool              `json:"atlasConfigured"`
	Messages        map[string]string `json:"messages"`
}

// pageHandler renders one of the two dashboard templates. Opening a
// page also makes it the landing page, mirroring how the user last
// left the application.
func pageHandler(file string, page viewstate.Page) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		lang := getPreferredLanguage(r)
		view.SetPage(page)

		tmpl := template.Must(template.New(file).Funcs(template.FuncMap{
			"translate": func(key string) string {
				if val, ok := translations[lang][key]; ok {
					return val
				}
				return translations["en"][key]
			},
			"toJSON": func(data interface{}) (string, error) {
				bytes, err := json.Marshal(data)
				return string(bytes), err
			},
		}).ParseFS(content, "public_html/"+file))

		data := struct {
			Version        string
			Lang           string
			RegionProperty string
			Columns        string
			Config         clientConfig
		}{
			Version:        CompileVersion,
			Lang:           lang,
			RegionProperty: *regionProperty,
			Columns:        strings.Join([]string{*districtColumn, *areaColumn, *rateColumn}, ", "),
			Config: clientConfig{
				Page:            string(page),
				Lang:            lang,
				DefaultLat:      *defaultLat,
				DefaultLon:      *defaultLon,
				DefaultZoom:     *defaultZoom,
				TargetCRS:       *targetCRS,
				AtlasConfigured: *atlasTableURL != "" && *atlasArchiveURL != "",
				Messages:        messagesFor(lang),
			},
		}

		// Render into a buffer first so a template error never ends up
		// after a half-written page.
		var buf bytes.Buffer
		if err := tmpl.Execute(&buf, data); err != nil {
			log.Printf("Error executing template %s: %v", file, err)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if _, err := buf.WriteTo(w); err != nil {
			if isClientDisconnect(err) {
				log.Printf("client disconnected while writing %s", file)
			} else {
				log.Printf("Error writing response: %v", err)
			}
		}
	}
}

// rootHandler sends "/" to whichever dashboard is currently active.
func rootHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	target := "/upload-view"
	if view.Snapshot().Page == viewstate.PageAtlas {
		target = "/atlas-view"
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func main() {
	// 1. Flags and version.
	flag.Parse()
	loadTranslations(content, "public_html/translations.json")

	if *version {
		fmt.Printf("region-stats-map version %s\n", CompileVersion)
		return
	}

	// 2. Privilege warning for :80 / :443.
	if *domain != "" && runtime.GOOS != "windows" && os.Geteuid() != 0 {
		log.Println("⚠  Binding to :80 / :443 requires super-user rights; run with sudo or as root.")
	}

	// 3. Shared view state.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	view = viewstate.New(viewstate.Page(*startView))
	view.Start(ctx)

	// 4. Pipeline wiring from flags.
	crs, ok := mercator.Normalize(*targetCRS)
	if !ok {
		log.Fatalf("unsupported -target-crs %q (use EPSG:4326 or EPSG:3857)", *targetCRS)
	}
	fetcher := atlasfetch.New(*atlasTableURL, *atlasArchiveURL, nil, log.Printf)

	h := api.NewHandler(view, fetcher, log.Printf)
	h.NewRequestID = generateRequestID
	if *pipelineCooldown > 0 {
		h.Limiter = api.NewRateLimiter(*pipelineCooldown)
	}
	h.ArchiveOpts = regionarchive.Options{NameKey: *regionProperty, TargetCRS: crs}
	h.UploadLayout = districtcsv.Layout{District: *districtColumn, Area: *areaColumn, Rate: *rateColumn}
	h.AtlasLayout = districtcsv.Layout{District: *districtColumn, Area: *areaColumn, Rate: *rateColumn, Lat: *latColumn, Lon: *lonColumn}

	// 5. Routes and static files.
	staticFS, err := fs.Sub(content, "public_html")
	if err != nil {
		log.Fatalf("static fs: %v", err)
	}

	http.Handle("/static/", http.StripPrefix("/static/",
		http.FileServer(http.FS(staticFS))))
	http.HandleFunc("/", rootHandler)
	http.HandleFunc("/upload-view", pageHandler("upload.html", viewstate.PageUpload))
	http.HandleFunc("/atlas-view", pageHandler("atlas.html", viewstate.PageAtlas))
	h.Register(http.DefaultServeMux)

	rootMux := withServerHeader(http.DefaultServeMux)

	// 6. HTTP/HTTPS servers.
	if *domain != "" {
		// Dual server :80 + :443 with Let's Encrypt.
		go serveWithDomain(*domain, rootMux)
	} else {
		// Plain HTTP on the port from -port.
		addr := fmt.Sprintf(":%d", *port)
		go func() {
			log.Printf("HTTP server ➜ http://localhost%s", addr)
			if err := http.ListenAndServe(addr, rootMux); err != nil {
				log.Printf("HTTP server error: %v", err)
			}
		}()
	}

	// 7. Keep the main goroutine alive.
	select {}
}
