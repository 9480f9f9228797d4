package httpserver

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/ruteri/attested-lookup/backup"
	"github.com/ruteri/attested-lookup/bridge"
	"github.com/ruteri/attested-lookup/cdsi"
	"github.com/ruteri/attested-lookup/common"
	"github.com/ruteri/attested-lookup/connect"
	"github.com/ruteri/attested-lookup/enclave"
)

const (
	// maxBodySize is the maximum allowed request body size (1MB).
	maxBodySize = 1024 * 1024

	// maxBackupSize bounds backups accepted for validation (256MB).
	maxBackupSize = 256 * 1024 * 1024

	// DefaultRetention is how long a finished operation stays readable.
	DefaultRetention = 10 * time.Minute

	statusPending   = "pending"
	statusComplete  = "complete"
	statusFailed    = "failed"
	statusCancelled = "cancelled"

	headerMasterKey = "X-Backup-Master-Key"
	headerACI       = "X-Backup-Aci"
)

// LookupStarter opens lookup sessions. *cdsi.ConnectionManager implements it.
type LookupStarter interface {
	NewLookup(ctx context.Context, auth connect.Auth, request *cdsi.LookupRequest) (*cdsi.Lookup, error)
}

type lookupRequestBody struct {
	Username              string       `json:"username"`
	Password              string       `json:"password"`
	E164s                 []string     `json:"e164s"`
	PrevE164s             []string     `json:"prev_e164s"`
	AciUaks               []aciUakBody `json:"aci_uaks"`
	Token                 []byte       `json:"token"`
	ReturnAcisWithoutUaks bool         `json:"return_acis_without_uaks"`
}

type aciUakBody struct {
	ACI string `json:"aci"`
	UAK string `json:"uak"`
}

type recordBody struct {
	E164 string `json:"e164"`
	PNI  string `json:"pni,omitempty"`
	ACI  string `json:"aci,omitempty"`
}

type errorBody struct {
	Kind              string `json:"kind"`
	Message           string `json:"message"`
	Retryable         bool   `json:"retryable"`
	RetryAfterSeconds int64  `json:"retry_after_seconds,omitempty"`
}

type operationBody struct {
	ID               bridge.Handle `json:"id"`
	Status           string        `json:"status"`
	Token            []byte        `json:"token,omitempty"`
	Records          []recordBody  `json:"records,omitempty"`
	DebugPermitsUsed int32         `json:"debug_permits_used,omitempty"`
	Error            *errorBody    `json:"error,omitempty"`
}

type lookupResult struct {
	token    cdsi.Token
	response *cdsi.LookupResponse
}

// operation tracks one asynchronous lookup.
type operation struct {
	mu       sync.Mutex
	cancelID bridge.CancellationID
	body     operationBody
}

func (o *operation) snapshot() operationBody {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.body
}

func (o *operation) complete(result lookupResult, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if err != nil {
		o.body.Status = statusFailed
		if errors.Is(err, bridge.ErrCancelled) {
			o.body.Status = statusCancelled
		}
		o.body.Error = describeError(err)
		return
	}

	o.body.Status = statusComplete
	o.body.Token = result.token
	o.body.DebugPermitsUsed = result.response.DebugPermitsUsed
	o.body.Records = make([]recordBody, 0, len(result.response.Records))
	for _, record := range result.response.Records {
		rb := recordBody{E164: record.E164.String()}
		if record.PNI != uuid.Nil {
			rb.PNI = record.PNI.String()
		}
		if record.ACI != uuid.Nil {
			rb.ACI = record.ACI.String()
		}
		o.body.Records = append(o.body.Records, rb)
	}
}

func describeError(err error) *errorBody {
	body := &errorBody{Kind: "internal", Message: err.Error()}
	var lookupErr *cdsi.LookupError
	switch {
	case errors.As(err, &lookupErr):
		body.Kind = lookupErr.Kind.String()
	case errors.Is(err, bridge.ErrCancelled):
		body.Kind = "cancelled"
	}
	retry, after := cdsi.IsRetryable(err)
	body.Retryable = retry
	body.RetryAfterSeconds = int64(after / time.Second)
	return body
}

// Handler serves asynchronous lookups and attestation diagnostics.
type Handler struct {
	lookups   LookupStarter
	runner    *bridge.AsyncRunner
	ops       *bridge.HandleTable[*operation]
	log       *slog.Logger
	retention time.Duration

	ctx    context.Context
	cancel context.CancelFunc
}

// NewHandler creates a new HTTP request handler running lookups through
// lookups. Finished operations are forgotten after retention, or after
// DefaultRetention when retention is not positive.
func NewHandler(lookups LookupStarter, log *slog.Logger, retention time.Duration) *Handler {
	if log == nil {
		log = common.DiscardLogger()
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Handler{
		lookups:   lookups,
		runner:    bridge.NewAsyncRunner(log),
		ops:       bridge.NewHandleTable[*operation](),
		log:       log,
		retention: retention,
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/api/lookup", h.HandleStartLookup)
	r.Get("/api/lookup/{id}", h.HandleGetLookup)
	r.Delete("/api/lookup/{id}", h.HandleCancelLookup)
	r.Post("/api/attestation/metrics", h.HandleAttestationMetrics)
	r.Post("/api/backup/validate", h.HandleValidateBackup)
}

// Close cancels every running lookup and waits for them to finish.
func (h *Handler) Close() {
	h.cancel()
	h.runner.Wait()
}

func parseLookupRequest(body *lookupRequestBody) (*cdsi.LookupRequest, error) {
	builder := cdsi.NewRequestBuilder()
	for _, s := range body.E164s {
		e, err := cdsi.ParseE164(s)
		if err != nil {
			return nil, err
		}
		builder.AddNewE164(e)
	}
	for _, s := range body.PrevE164s {
		e, err := cdsi.ParseE164(s)
		if err != nil {
			return nil, err
		}
		builder.AddPrevE164(e)
	}
	for _, pair := range body.AciUaks {
		aci, err := uuid.Parse(pair.ACI)
		if err != nil {
			return nil, fmt.Errorf("invalid aci %q: %w", pair.ACI, err)
		}
		raw, err := hex.DecodeString(pair.UAK)
		if err != nil || len(raw) != 16 {
			return nil, fmt.Errorf("invalid access key for %s", aci)
		}
		builder.AddAciUak(aci, [16]byte(raw))
	}
	if len(body.Token) > cdsi.MaxTokenSize {
		return nil, fmt.Errorf("token exceeds %d bytes", cdsi.MaxTokenSize)
	}
	builder.SetToken(body.Token)
	builder.SetReturnAcisWithoutUaks(body.ReturnAcisWithoutUaks)
	return builder.Build(), nil
}

// HandleStartLookup starts a lookup and returns its operation id.
//
// URL format: POST /api/lookup
// Response: 202 with {"id": <handle>, "status": "pending"}
func (h *Handler) HandleStartLookup(w http.ResponseWriter, r *http.Request) {
	var body lookupRequestBody
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(&body); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	request, err := parseLookupRequest(&body)
	if err != nil {
		http.Error(w, fmt.Errorf("invalid lookup request: %w", err).Error(), http.StatusBadRequest)
		return
	}
	auth := connect.Auth{Username: body.Username, Password: body.Password}

	op := &operation{body: operationBody{Status: statusPending}}
	op.mu.Lock()
	id := h.ops.Insert(op)
	op.body.ID = id
	op.cancelID = bridge.Run(h.runner, h.ctx, func(ctx context.Context) (lookupResult, error) {
		lookup, err := h.lookups.NewLookup(ctx, auth, request)
		if err != nil {
			return lookupResult{}, err
		}
		response, err := lookup.TakeRemaining().Collect(ctx)
		if err != nil {
			return lookupResult{}, err
		}
		return lookupResult{token: lookup.Token, response: response}, nil
	}, func(result lookupResult, err error) {
		if err != nil {
			h.log.Info("lookup failed", "id", id, "err", err)
		} else {
			h.log.Debug("lookup complete", "id", id, "records", len(result.response.Records))
		}
		op.complete(result, err)
		time.AfterFunc(h.retention, func() { h.expire(id) })
	})
	status := op.body
	op.mu.Unlock()

	h.log.Debug("lookup started", "id", id, "numbers", len(request.NewE164s))
	writeJSON(w, http.StatusAccepted, status)
}

// expire forgets a finished operation. Cancelled operations are already gone.
func (h *Handler) expire(id bridge.Handle) {
	if _, err := h.ops.Remove(id); err == nil {
		h.log.Debug("lookup expired", "id", id)
	}
}

func (h *Handler) operationFor(w http.ResponseWriter, r *http.Request) (bridge.Handle, *operation, bool) {
	raw, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "Invalid operation id", http.StatusBadRequest)
		return 0, nil, false
	}
	id := bridge.Handle(raw)
	op, err := h.ops.Get(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return 0, nil, false
	}
	return id, op, true
}

// HandleGetLookup reports the state of a lookup.
//
// URL format: GET /api/lookup/{id}
func (h *Handler) HandleGetLookup(w http.ResponseWriter, r *http.Request) {
	_, op, ok := h.operationFor(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, op.snapshot())
}

// HandleCancelLookup cancels a running lookup and forgets the operation.
//
// URL format: DELETE /api/lookup/{id}
func (h *Handler) HandleCancelLookup(w http.ResponseWriter, r *http.Request) {
	id, op, ok := h.operationFor(w, r)
	if !ok {
		return
	}
	if _, err := h.ops.Remove(id); err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	op.mu.Lock()
	cancelID := op.cancelID
	op.mu.Unlock()
	if h.runner.Cancel(cancelID) {
		h.log.Info("lookup cancelled", "id", id)
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleAttestationMetrics decodes a handshake-start frame and returns the
// attestation metrics it carries.
//
// URL format: POST /api/attestation/metrics
// Request body: raw handshake-start bytes
func (h *Handler) HandleAttestationMetrics(w http.ResponseWriter, r *http.Request) {
	msg, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}
	metrics, err := enclave.ExtractMetrics(msg)
	if err != nil {
		http.Error(w, fmt.Errorf("invalid handshake start: %w", err).Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, metrics)
}

type backupValidationBody struct {
	Valid         bool     `json:"valid"`
	ErrorMessage  string   `json:"error_message,omitempty"`
	UnknownFields []string `json:"unknown_fields,omitempty"`
}

func backupKeyFromHeaders(r *http.Request) (*backup.Key, error) {
	raw, err := hex.DecodeString(r.Header.Get(headerMasterKey))
	if err != nil || len(raw) != 32 {
		return nil, fmt.Errorf("%s must be 32 hex encoded bytes", headerMasterKey)
	}
	aci, err := uuid.Parse(r.Header.Get(headerACI))
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", headerACI, err)
	}
	return backup.DeriveKey([32]byte(raw), aci), nil
}

// HandleValidateBackup checks a message backup with the keys derived from
// the account master key and ACI.
//
// URL format: POST /api/backup/validate
// Headers: X-Backup-Master-Key (hex), X-Backup-Aci (uuid)
// Request body: raw backup bytes
func (h *Handler) HandleValidateBackup(w http.ResponseWriter, r *http.Request) {
	key, err := backupKeyFromHeaders(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	file, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBackupSize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "Backup too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	outcome, err := backup.Validate(key, bytes.NewReader(file), bytes.NewReader(file), int64(len(file)))
	if err != nil {
		h.log.Error("backup validation failed", "err", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	h.log.Debug("backup validated", "size", len(file), "valid", outcome.ErrorMessage == "", "unknownFields", len(outcome.UnknownFields))
	writeJSON(w, http.StatusOK, backupValidationBody{
		Valid:         outcome.ErrorMessage == "",
		ErrorMessage:  outcome.ErrorMessage,
		UnknownFields: outcome.UnknownFields,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
