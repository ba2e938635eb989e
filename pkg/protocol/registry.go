package protocol

import (
	"bytes"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"peerhub/pkg/protocol/codec"
)

// Handler processes a parsed message. Errors are returned to the caller of
// CallHandler untouched.
type Handler func(Message) error

// Factory returns a new zero message of one concrete shape.
type Factory func() Message

type entry struct {
	typeID  string
	factory Factory
	handler Handler
}

// Registry maps wire type ids to message shapes, encodes and decodes them,
// and dispatches parsed messages to handlers. Each server or client owns its
// own Registry. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	byType  map[reflect.Type]string

	defaultHandler Handler
	globalHandler  Handler

	codec            codec.Codec
	log              *zap.Logger
	warningsDisabled atomic.Bool
}

// RegistryOption customizes a Registry.
type RegistryOption func(*Registry)

// WithCodec selects the structured encoding. Both ends must agree.
func WithCodec(c codec.Codec) RegistryOption { return func(r *Registry) { r.codec = c } }

func WithLogger(l *zap.Logger) RegistryOption { return func(r *Registry) { r.log = l } }

// WithWarningsDisabled silences unknown type warnings.
func WithWarningsDisabled(b bool) RegistryOption {
	return func(r *Registry) { r.warningsDisabled.Store(b) }
}

// NewRegistry returns a registry with the built-in handshake registered.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		entries: make(map[string]*entry),
		byType:  make(map[reflect.Type]string),
		codec:   codec.JSON(),
		log:     zap.L(),
	}
	for _, o := range opts {
		o(r)
	}
	r.log = r.log.Named("registry")
	_ = RegisterType[Handshake](r, TypeHandshake)
	return r
}

// SetWarningsDisabled toggles unknown type warnings.
func (r *Registry) SetWarningsDisabled(b bool) { r.warningsDisabled.Store(b) }

// Register binds typeID to a message shape. Registering an id twice is a
// no-op; the first shape stays. A Go type maps to exactly one id, so binding
// a shape already registered under another id fails with ErrInvalidTypeID.
func (r *Registry) Register(typeID string, f Factory) error {
	if err := validTypeID(typeID); err != nil {
		return err
	}
	if f == nil {
		return fmt.Errorf("%w: nil factory for %q", ErrInvalidTypeID, typeID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, err := r.registerLocked(typeID, f)
	return err
}

func (r *Registry) registerLocked(typeID string, f Factory) (*entry, error) {
	if e, ok := r.entries[typeID]; ok {
		return e, nil
	}
	rt := reflect.TypeOf(f())
	if other, taken := r.byType[rt]; taken {
		return nil, fmt.Errorf("%w: %v already registered as %q", ErrInvalidTypeID, rt, other)
	}
	e := &entry{typeID: typeID, factory: f}
	r.entries[typeID] = e
	r.byType[rt] = typeID
	return e, nil
}

// RegisterHandler registers typeID if needed and sets its handler. Only the
// first non-nil handler per type is kept.
func (r *Registry) RegisterHandler(typeID string, f Factory, h Handler) error {
	if err := validTypeID(typeID); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[typeID]
	if !ok {
		if f == nil {
			return fmt.Errorf("%w: nil factory for %q", ErrInvalidTypeID, typeID)
		}
		var err error
		if e, err = r.registerLocked(typeID, f); err != nil {
			return err
		}
	}
	if e.handler == nil {
		e.handler = h
	}
	return nil
}

// SetDefaultHandler runs for parsed messages without a specific handler.
func (r *Registry) SetDefaultHandler(h Handler) {
	r.mu.Lock()
	r.defaultHandler = h
	r.mu.Unlock()
}

// SetGlobalHandler runs for every parsed message before any other handler.
func (r *Registry) SetGlobalHandler(h Handler) {
	r.mu.Lock()
	r.globalHandler = h
	r.mu.Unlock()
}

// TypeIDOf returns the wire id registered for m's concrete type.
func (r *Registry) TypeIDOf(m Message) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byType[reflect.TypeOf(m)]
	return id, ok
}

// Serialize encodes m as `typeID:structured`. Raw bytes are not included;
// see Encode.
func (r *Registry) Serialize(m Message) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("%w: nil message", ErrUnregisteredType)
	}
	typeID, ok := r.TypeIDOf(m)
	if !ok {
		return nil, fmt.Errorf("%w: %T", ErrUnregisteredType, m)
	}
	h := m.Head()
	h.DataLength = len(h.data)
	body, err := r.codec.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", typeID, err)
	}
	out := make([]byte, 0, len(typeID)+1+len(body)+len(h.data))
	out = append(out, typeID...)
	out = append(out, Separator)
	return append(out, body...), nil
}

// Encode returns the full transport payload: the serialized message
// followed by its raw bytes.
func (r *Registry) Encode(m Message) ([]byte, error) {
	b, err := r.Serialize(m)
	if err != nil {
		return nil, err
	}
	return AppendRaw(b, m), nil
}

// TypeOf extracts the type id without decoding the body.
func TypeOf(payload []byte) (string, error) {
	i := bytes.IndexByte(payload, Separator)
	if i <= 0 {
		return "", fmt.Errorf("%w: missing type separator", ErrMalformedPayload)
	}
	return string(payload[:i]), nil
}

// IsRegistered reports whether the payload's type id is known.
func (r *Registry) IsRegistered(payload []byte) bool {
	typeID, err := TypeOf(payload)
	if err != nil {
		return false
	}
	r.mu.RLock()
	_, ok := r.entries[typeID]
	r.mu.RUnlock()
	return ok
}

// Parse decodes a full payload into its registered shape. Bytes following
// the structured body become the raw payload.
func (r *Registry) Parse(payload []byte) (Message, error) {
	typeID, err := TypeOf(payload)
	if err != nil {
		return nil, err
	}
	r.mu.RLock()
	e := r.entries[typeID]
	r.mu.RUnlock()
	if e == nil {
		r.WarnUnknown(typeID)
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, typeID)
	}
	m := e.factory()
	rest, err := r.codec.UnmarshalFirst(payload[len(typeID)+1:], m)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedPayload, typeID, err)
	}
	if err := attachRaw(m.Head(), rest); err != nil {
		return nil, fmt.Errorf("%s: %w", typeID, err)
	}
	return m, nil
}

// WarnUnknown logs that typeID is not registered here, unless warnings are
// disabled.
func (r *Registry) WarnUnknown(typeID string) {
	if !r.warningsDisabled.Load() {
		r.log.Warn("received unregistered message type", zap.String("type", typeID))
	}
}

// ParseEnvelope decodes only the generic Header of any payload, registered
// or not. The raw bytes are attached so the length can be checked.
func (r *Registry) ParseEnvelope(payload []byte) (*Header, error) {
	typeID, err := TypeOf(payload)
	if err != nil {
		return nil, err
	}
	h := &Header{}
	rest, err := r.codec.UnmarshalFirst(payload[len(typeID)+1:], h)
	if err != nil {
		return nil, fmt.Errorf("%w: %s envelope: %v", ErrMalformedPayload, typeID, err)
	}
	if err := attachRaw(h, rest); err != nil {
		return nil, fmt.Errorf("%s: %w", typeID, err)
	}
	return h, nil
}

func attachRaw(h *Header, rest []byte) error {
	if h.DataLength < 0 || len(rest) != h.DataLength {
		return fmt.Errorf("%w: raw length %d, declared %d", ErrMalformedPayload, len(rest), h.DataLength)
	}
	if h.DataLength > 0 {
		h.SetData(append([]byte(nil), rest...))
	}
	return nil
}

// CallHandler runs the global handler, then the type's handler or the
// default one. Handlers run on the caller's goroutine. A panicking handler
// is reported as an error wrapping ErrHandlerPanic.
func (r *Registry) CallHandler(m Message) (err error) {
	if m == nil {
		return nil
	}
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("handler panic", zap.String("type", fmt.Sprintf("%T", m)), zap.Any("panic", rec), zap.Stack("stack"))
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, rec)
		}
	}()
	r.mu.RLock()
	global, def := r.globalHandler, r.defaultHandler
	var specific Handler
	if id, ok := r.byType[reflect.TypeOf(m)]; ok {
		specific = r.entries[id].handler
	}
	r.mu.RUnlock()

	if global != nil {
		if err := global(m); err != nil {
			return err
		}
	}
	switch {
	case specific != nil:
		return specific(m)
	case def != nil:
		return def(m)
	}
	return nil
}

func validTypeID(typeID string) error {
	if typeID == "" || strings.IndexByte(typeID, Separator) >= 0 {
		return fmt.Errorf("%w: %q", ErrInvalidTypeID, typeID)
	}
	return nil
}

// RegisterType registers *T under typeID.
func RegisterType[T any, PT interface {
	*T
	Message
}](r *Registry, typeID string) error {
	return r.Register(typeID, func() Message { return PT(new(T)) })
}

// Handle registers *T under typeID with a typed handler.
func Handle[T any, PT interface {
	*T
	Message
}](r *Registry, typeID string, fn func(PT) error) error {
	return r.RegisterHandler(typeID, func() Message { return PT(new(T)) }, func(m Message) error {
		pm, ok := m.(PT)
		if !ok {
			return fmt.Errorf("handler for %s got %T", typeID, m)
		}
		return fn(pm)
	})
}
