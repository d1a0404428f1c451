package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"defectbot/internal/defects"
	"defectbot/internal/notifier"
	logx "defectbot/pkg/logx"
)

// Notifications is the view of the dispatcher the API exposes.
type Notifications interface {
	Enabled() bool
	History() []notifier.BatchEvent
}

type Handler struct {
	cfg      Config
	svc      *defects.Service
	notes    Notifications
	validate *validator.Validate
	log      logx.Logger
}

func NewHandler(cfg Config, svc *defects.Service, notes Notifications, log logx.Logger) *Handler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Handler{
		cfg:      cfg.withDefaults(),
		svc:      svc,
		notes:    notes,
		validate: validator.New(),
		log:      log,
	}
}

// Router builds the chi router with every route mounted.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.logRequests)
	r.Use(middleware.Recoverer)

	r.Route("/defects", func(r chi.Router) {
		r.Post("/", h.createDefect)
		r.Get("/", h.listDefects)
		r.Put("/{id}", h.updateDefect)
	})

	r.Route("/dropdown-lists", func(r chi.Router) {
		r.Get("/dropdown-lists/", h.dropdownLists)
		r.With(h.requireAdmin).Post("/update-lists", h.updateLists)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Post("/login", h.adminLogin)
		r.Group(func(r chi.Router) {
			r.Use(h.requireAdmin)
			r.Post("/update-lists", h.updateLists) // alias of /dropdown-lists/update-lists
			r.Get("/notifications", h.notifications)
		})
	})

	r.Post("/users/subscribe", h.subscribe)

	r.Get("/health", h.health)

	if h.cfg.Pprof {
		r.With(h.requireAdmin).Mount("/debug", middleware.Profiler())
	}

	r.Handle("/uploads/*", http.StripPrefix("/uploads/", http.FileServer(http.Dir(h.cfg.UploadsDir))))
	r.Handle("/static/*", http.StripPrefix("/static/", http.FileServer(http.Dir(h.cfg.StaticDir))))
	r.Get("/", h.page("index.html"))
	r.Get("/admin", h.page("admin.html"))
	r.Get("/subscribe", h.page("subscribe.html"))

	return r
}

func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		h.log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Int("bytes", ww.BytesWritten()),
			logx.Duration("took", time.Since(start)),
			logx.String("req_id", middleware.GetReqID(r.Context())),
		)
	})
}

type createDefectRequest struct {
	Equipment   string `validate:"required"`
	Description string `validate:"required"`
	Section     string `validate:"required"`
	DangerLevel string `validate:"required"`
	Responsible string
}

func (h *Handler) createDefect(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxUpload)
	if err := r.ParseMultipartForm(h.cfg.MaxUpload); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		respondError(w, http.StatusBadRequest, "Invalid form: "+err.Error())
		return
	}

	req := createDefectRequest{
		Equipment:   r.FormValue("equipment"),
		Description: r.FormValue("description"),
		Section:     r.FormValue("section"),
		DangerLevel: r.FormValue("danger_level"),
		Responsible: r.FormValue("responsible"),
	}
	if err := h.validate.Struct(req); err != nil {
		respondError(w, http.StatusUnprocessableEntity, "Validation error: "+err.Error())
		return
	}

	photoURL, err := h.savePhoto(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	id, err := h.svc.Create(r.Context(), defects.NewDefect{
		Equipment:   req.Equipment,
		Description: req.Description,
		Section:     req.Section,
		DangerLevel: req.DangerLevel,
		Responsible: req.Responsible,
		PhotoURL:    photoURL,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "created", "id": id})
}

// savePhoto stores the optional "photo" part as uploads/<uuid><ext> and
// returns its public URL, or "" when no photo was sent.
func (h *Handler) savePhoto(r *http.Request) (string, error) {
	if r.MultipartForm == nil {
		return "", nil
	}
	file, header, err := r.FormFile("photo")
	if errors.Is(err, http.ErrMissingFile) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read photo: %w", err)
	}
	defer file.Close()
	if header.Filename == "" {
		return "", nil
	}

	if err := os.MkdirAll(h.cfg.UploadsDir, 0o755); err != nil {
		return "", fmt.Errorf("uploads dir: %w", err)
	}
	name := uuid.NewString() + filepath.Ext(filepath.Base(header.Filename))
	dst, err := os.Create(filepath.Join(h.cfg.UploadsDir, name))
	if err != nil {
		return "", fmt.Errorf("save photo: %w", err)
	}
	if _, err := io.Copy(dst, file); err != nil {
		_ = dst.Close()
		_ = os.Remove(dst.Name())
		return "", fmt.Errorf("save photo: %w", err)
	}
	if err := dst.Close(); err != nil {
		return "", fmt.Errorf("save photo: %w", err)
	}
	return "/uploads/" + name, nil
}

func (h *Handler) listDefects(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	views, err := h.svc.List(r.Context(), defects.Filter{
		Section:     q.Get("section"),
		Status:      q.Get("status"),
		DangerLevel: q.Get("danger_level"),
		AssignedTo:  q.Get("assigned_to"),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, views)
}

type updateDefectRequest struct {
	Status      *string `json:"status"` // checked by defects.ParseStatus
	AssignedTo  *string `json:"assigned_to"`
	Responsible *string `json:"responsible"`
}

func (h *Handler) updateDefect(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		respondError(w, http.StatusUnprocessableEntity, "Invalid defect id")
		return
	}

	var req updateDefectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request format")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		respondError(w, http.StatusUnprocessableEntity, "Validation error: "+err.Error())
		return
	}
	if req.Status != nil {
		if _, ok := defects.ParseStatus(*req.Status); !ok {
			respondError(w, http.StatusUnprocessableEntity, "Validation error: unknown status "+strconv.Quote(*req.Status))
			return
		}
	}

	err = h.svc.Update(r.Context(), id, defects.Patch{
		Status:      req.Status,
		AssignedTo:  req.AssignedTo,
		Responsible: req.Responsible,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (h *Handler) dropdownLists(w http.ResponseWriter, r *http.Request) {
	lists, err := h.svc.Dropdowns(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, lists)
}

func (h *Handler) updateLists(w http.ResponseWriter, r *http.Request) {
	var lists map[string]string
	if err := json.NewDecoder(r.Body).Decode(&lists); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request format")
		return
	}
	if err := h.svc.UpdateDropdowns(r.Context(), lists); err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

type loginRequest struct {
	Password string `json:"password" validate:"required"`
}

func (h *Handler) adminLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request format")
		return
	}
	if err := h.validate.Struct(req); err != nil || !equal(req.Password, h.cfg.AdminPassword) {
		h.log.Warn("admin login failed", logx.String("remote", r.RemoteAddr))
		respondError(w, http.StatusUnauthorized, "Invalid password")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"token": h.cfg.AdminToken})
}

func (h *Handler) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		const p = "Bearer "
		ah := r.Header.Get("Authorization")
		if !strings.HasPrefix(ah, p) || !equal(strings.TrimSpace(strings.TrimPrefix(ah, p)), h.cfg.AdminToken) {
			w.Header().Set("WWW-Authenticate", "Bearer")
			respondError(w, http.StatusUnauthorized, "Authorization required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func equal(a, b string) bool {
	return b != "" && subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (h *Handler) notifications(w http.ResponseWriter, r *http.Request) {
	hist := []notifier.BatchEvent{}
	if h.notes != nil {
		hist = append(hist, h.notes.History()...)
	}
	respondJSON(w, http.StatusOK, hist)
}

type subscribeRequest struct {
	Name       string `json:"name" validate:"required"`
	TelegramID string `json:"telegram_id" validate:"required"`
}

func (h *Handler) subscribe(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request format")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		respondError(w, http.StatusUnprocessableEntity, "Validation error: "+err.Error())
		return
	}
	if err := h.svc.Subscribe(r.Context(), req.Name, req.TelegramID); err != nil {
		h.fail(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "subscribed"})
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	enabled := h.notes != nil && h.notes.Enabled()
	respondJSON(w, http.StatusOK, map[string]any{"status": "ok", "notifications": enabled})
}

func (h *Handler) page(name string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p := filepath.Join(h.cfg.StaticDir, name)
		if st, err := os.Stat(p); err != nil || st.IsDir() {
			http.NotFound(w, r)
			return
		}
		http.ServeFile(w, r, p)
	}
}
