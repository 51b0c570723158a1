// Package httpserver exposes the in-process document store over HTTP and websockets.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/livequery/errs"
	"github.com/coachpo/livequery/internal/domain/query"
	"github.com/coachpo/livequery/internal/domain/schema"
	"github.com/coachpo/livequery/internal/infra/adapters/memstore"
	"github.com/coachpo/livequery/internal/infra/auth"
	"github.com/coachpo/livequery/internal/infra/wire"
)

const (
	maxJSONBodyBytes int64 = 1 << 20 // 1 MiB

	storeLabel = "docstore"

	queryPath     = "/v1/query"
	subscribePath = "/v1/subscribe"
	documentPath  = "/v1/collections/{collection}/documents/{id}"
	interruptPath = "/v1/collections/{collection}/interrupt"
	healthPath    = "/healthz"

	handshakeTimeout = 10 * time.Second
	writeTimeout     = 5 * time.Second
)

// Server serves a memstore.Store. Close ends every open subscription socket.
type Server struct {
	store     *memstore.Store
	authority *auth.Authority
	logger    *log.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	sockets sync.WaitGroup
}

// New creates a Server. Every request must carry a token signed by authority.
func New(store *memstore.Store, authority *auth.Authority, logger *log.Logger) (*Server, error) {
	if store == nil {
		return nil, errors.New("httpserver: store required")
	}
	if authority == nil {
		return nil, errors.New("httpserver: authority required")
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{store: store, authority: authority, logger: logger, ctx: ctx, cancel: cancel}, nil
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(http.MethodPost+" "+queryPath, s.query)
	mux.HandleFunc(http.MethodGet+" "+subscribePath, s.subscribe)
	mux.HandleFunc(http.MethodPut+" "+documentPath, s.putDocument)
	mux.HandleFunc(http.MethodDelete+" "+documentPath, s.deleteDocument)
	mux.HandleFunc(http.MethodPost+" "+interruptPath, s.interrupt)
	mux.HandleFunc(http.MethodGet+" "+healthPath, s.health)
	return withCORS(mux)
}

// Close cancels open subscription sockets and waits for them to finish.
func (s *Server) Close(ctx context.Context) error {
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.sockets.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain subscriptions: %w", ctx.Err())
	}
}

func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (auth.Claims, bool) {
	claims, err := s.authority.Verify(auth.BearerToken(r.Header.Get("Authorization")))
	if err != nil {
		writeError(w, err)
		return auth.Claims{}, false
	}
	return claims, true
}

func (s *Server) authorizeRead(claims auth.Claims, collection string) error {
	if claims.CanRead(collection) {
		return nil
	}
	return errs.New(storeLabel, errs.CodePermissionDenied,
		errs.WithMessage("read access to "+collection+" denied"), errs.WithCollection(collection))
}

func (s *Server) authorizeWrite(claims auth.Claims, collection string) error {
	if claims.Admin {
		return nil
	}
	return errs.New(storeLabel, errs.CodePermissionDenied,
		errs.WithMessage("write access requires admin"), errs.WithCollection(collection))
}

func (s *Server) query(w http.ResponseWriter, r *http.Request) {
	claims, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	var req wire.QueryRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	cs, err := req.ConstraintSet()
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.authorizeRead(claims, cs.Collection()); err != nil {
		writeError(w, err)
		return
	}
	records, err := s.store.QueryOnce(r.Context(), cs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wire.QueryResponse{Records: records})
}

func (s *Server) putDocument(w http.ResponseWriter, r *http.Request) {
	claims, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	collection := r.PathValue("collection")
	if err := s.authorizeWrite(claims, collection); err != nil {
		writeError(w, err)
		return
	}
	var req wire.DocumentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	record, err := s.store.Put(r.Context(), collection, r.PathValue("id"), req.Fields)
	if err != nil {
		writeError(w, err)
		return
	}
	s.logger.Printf("docstore: put %s/%s by %s", collection, record.ID, claims.Subject)
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) deleteDocument(w http.ResponseWriter, r *http.Request) {
	claims, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	collection := r.PathValue("collection")
	if err := s.authorizeWrite(claims, collection); err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.Delete(r.Context(), collection, r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	s.logger.Printf("docstore: delete %s/%s by %s", collection, r.PathValue("id"), claims.Subject)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) interrupt(w http.ResponseWriter, r *http.Request) {
	claims, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	collection := r.PathValue("collection")
	if err := s.authorizeWrite(claims, collection); err != nil {
		writeError(w, err)
		return
	}
	outage := errs.New(storeLabel, errs.CodeUnavailable,
		errs.WithMessage("subscription interrupted"), errs.WithCollection(collection))
	affected := s.store.Interrupt(collection, outage)
	s.logger.Printf("docstore: interrupted %d subscriptions on %s", affected, collection)
	writeJSON(w, http.StatusOK, map[string]int{"interrupted": affected})
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "subscribers": s.store.Subscribers()})
}

// subscribe upgrades to a websocket. The first client frame is a wire.QueryRequest; the
// server then writes batch frames until the channel fails or either side goes away.
func (s *Server) subscribe(w http.ResponseWriter, r *http.Request) {
	claims, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Printf("docstore: accept websocket: %v", err)
		return
	}
	defer conn.CloseNow()

	s.sockets.Add(1)
	defer s.sockets.Done()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	cs, err := readQuery(ctx, conn)
	if err == nil {
		err = s.authorizeRead(claims, cs.Collection())
	}
	if err != nil {
		s.fail(ctx, conn, err)
		return
	}

	batches, failures, err := s.store.Subscribe(ctx, cs)
	if err != nil {
		s.fail(ctx, conn, err)
		return
	}
	s.logger.Printf("docstore: %s subscribed to %s", claims.Subject, cs)

	var wg conc.WaitGroup
	wg.Go(func() {
		// The client sends nothing after the query; a read error means it went away.
		// Reads ignore ctx so that cancellation never emits a close frame of its own.
		defer cancel()
		for {
			if _, _, err := conn.Read(context.Background()); err != nil {
				return
			}
		}
	})
	wg.Go(func() {
		for {
			select {
			case <-ctx.Done():
				if s.ctx.Err() != nil {
					_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
					return
				}
				conn.CloseNow()
				return
			case records, ok := <-batches:
				if !ok {
					batches = nil
					continue
				}
				if err := writeFrame(ctx, conn, wire.Frame{Type: wire.FrameBatch, Records: nonNil(records)}); err != nil {
					cancel()
				}
			case failure, ok := <-failures:
				if !ok {
					failures = nil
					continue
				}
				s.fail(ctx, conn, failure)
				cancel()
				return
			}
		}
	})
	wg.Wait()

	s.logger.Printf("docstore: %s unsubscribed from %s", claims.Subject, cs)
}

func (s *Server) fail(ctx context.Context, conn *websocket.Conn, err error) {
	envelope := errs.From(storeLabel, err)
	body := wire.ErrorFrom(envelope)
	if werr := writeFrame(ctx, conn, wire.Frame{Type: wire.FrameError, Error: &body}); werr != nil {
		s.logger.Printf("docstore: write error frame: %v", werr)
	}
	_ = conn.Close(closeStatus(envelope.Code), envelope.Summary())
}

func readQuery(ctx context.Context, conn *websocket.Conn) (query.ConstraintSet, error) {
	readCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()
	_, data, err := conn.Read(readCtx)
	if err != nil {
		return query.ConstraintSet{}, errs.New(storeLabel, errs.CodeInvalid,
			errs.WithMessage("query frame required"), errs.WithCause(err))
	}
	var req wire.QueryRequest
	if err := wire.Decode(data, &req); err != nil {
		return query.ConstraintSet{}, errs.New(storeLabel, errs.CodeInvalid,
			errs.WithMessage("malformed query frame"), errs.WithCause(err))
	}
	return req.ConstraintSet()
}

func writeFrame(ctx context.Context, conn *websocket.Conn, frame wire.Frame) error {
	data, err := wire.Encode(frame)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// closeStatus picks the websocket close code sent after an error frame.
func closeStatus(code errs.Code) websocket.StatusCode {
	switch code.Class() {
	case errs.ClassPermanent:
		return websocket.StatusPolicyViolation
	default:
		if code == errs.CodeInvalid {
			return websocket.StatusUnsupportedData
		}
		return websocket.StatusTryAgainLater
	}
}

func nonNil(records []schema.Record) []schema.Record {
	if records == nil {
		return []schema.Record{}
	}
	return records
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
	decoder := json.NewDecoder(r.Body)
	decoder.UseNumber()
	if err := decoder.Decode(v); err != nil {
		message := "invalid JSON payload"
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			message = "request body too large"
		}
		return errs.New(storeLabel, errs.CodeInvalid, errs.WithMessage(message), errs.WithCause(err))
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, err error) {
	envelope := errs.From(storeLabel, err)
	writeJSON(w, envelope.Code.HTTPStatus(), wire.ErrorResponse{Error: wire.ErrorFrom(envelope)})
}

func withCORS(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
