package job

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/xraph/herald"
	"github.com/xraph/herald/queue"
)

// EntityReferencer is implemented by payloads that name business
// entities. Progress and terminal events of the job are also published
// to the entity:{id} topic of each returned id.
type EntityReferencer interface {
	EntityIDs() []string
}

// Prepared is a payload accepted for submission.
type Prepared struct {
	Payload  json.RawMessage
	Entities []string
}

type entry struct {
	config      queue.Config
	payloadType reflect.Type
	prepare     func(v any) (Prepared, error)
	handler     HandlerFunc
}

// Registry maps category names to typed handlers and queue
// configurations. Definitions are registered at startup; Init validates
// them and freezes the registry. It is safe for concurrent use.
type Registry struct {
	mu          sync.RWMutex
	entries     map[string]*entry
	initialized bool
	shutdown    bool
	validate    *validator.Validate
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		if name == "" {
			return f.Name
		}
		return name
	})
	return &Registry{
		entries:  make(map[string]*entry),
		validate: v,
	}
}

// RegisterDefinition registers a typed definition. It fails once the
// registry is initialized or when the category is already registered.
//
// This is a package-level generic function because Go does not allow
// generic methods on non-generic receiver types.
func RegisterDefinition[T any](r *Registry, def *Definition[T]) error {
	if def == nil || def.Handler == nil {
		return fmt.Errorf("job: definition requires a handler")
	}
	if err := queue.ValidName(def.Name); err != nil {
		return err
	}

	typ := reflect.TypeFor[T]()
	name := def.Name

	e := &entry{
		config:      def.Config,
		payloadType: typ,
	}
	e.prepare = func(v any) (Prepared, error) {
		var payload T
		switch raw := v.(type) {
		case T:
			payload = raw
		case *T:
			if raw == nil {
				return Prepared{}, herald.NewValidationError(name, "nil payload", nil)
			}
			payload = *raw
		case json.RawMessage:
			if err := decodeStrict(raw, &payload); err != nil {
				return Prepared{}, herald.NewValidationError(name, "payload does not decode", err)
			}
		case []byte:
			if err := decodeStrict(raw, &payload); err != nil {
				return Prepared{}, herald.NewValidationError(name, "payload does not decode", err)
			}
		default:
			return Prepared{}, herald.NewValidationError(name,
				fmt.Sprintf("payload type %T, want %s", v, typ), nil)
		}

		if err := r.check(name, payload); err != nil {
			return Prepared{}, err
		}
		data, err := json.Marshal(payload)
		if err != nil {
			return Prepared{}, herald.NewValidationError(name, "payload does not encode", err)
		}
		p := Prepared{Payload: data}
		if ref, ok := any(payload).(EntityReferencer); ok {
			p.Entities = dedupe(ref.EntityIDs())
		}
		return p, nil
	}
	e.handler = func(ctx context.Context, raw json.RawMessage, task Task) (json.RawMessage, error) {
		var payload T
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &payload); err != nil {
				return nil, fmt.Errorf("unmarshal payload for %q: %w", name, err)
			}
		}
		result, err := def.Handler(ctx, payload, task)
		if err != nil {
			return nil, err
		}
		if result == nil {
			return nil, nil
		}
		if b, ok := result.(json.RawMessage); ok {
			return b, nil
		}
		b, mErr := json.Marshal(result)
		if mErr != nil {
			return nil, fmt.Errorf("marshal result for %q: %w", name, mErr)
		}
		return b, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.initialized {
		return herald.ErrRegistryFrozen
	}
	if _, dup := r.entries[name]; dup {
		return fmt.Errorf("%w: %q", herald.ErrDuplicateCategory, name)
	}
	r.entries[name] = e
	return nil
}

// check runs struct-tag validation when the payload is a struct.
func (r *Registry) check(category string, payload any) error {
	t := reflect.TypeOf(payload)
	if t == nil {
		return nil
	}
	if t.Kind() == reflect.Pointer {
		if reflect.ValueOf(payload).IsNil() {
			return herald.NewValidationError(category, "nil payload", nil)
		}
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil
	}

	err := r.validate.Struct(payload)
	if err == nil {
		return nil
	}
	verr := herald.NewValidationError(category, "payload rejected", err)
	var fields validator.ValidationErrors
	if errors.As(err, &fields) {
		for _, fe := range fields {
			verr.Fields = append(verr.Fields, herald.FieldError{
				Field: fe.Namespace()[strings.IndexByte(fe.Namespace(), '.')+1:],
				Rule:  fe.Tag(),
			})
		}
	}
	return verr
}

func decodeStrict(raw []byte, v any) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return errors.New("empty payload")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("trailing data after payload")
	}
	return nil
}

func dedupe(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, s := range ids {
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// Init validates every registered configuration and freezes the
// registry. Calling Init twice returns ErrRegistryFrozen.
func (r *Registry) Init() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.initialized {
		return herald.ErrRegistryFrozen
	}
	for _, e := range r.entries {
		if err := e.config.Validate(); err != nil {
			return err
		}
	}
	r.initialized = true
	return nil
}

// Shutdown marks the registry closed. Lookups fail afterwards so no new
// work is accepted.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	r.shutdown = true
	r.mu.Unlock()
}

// Initialized reports whether Init succeeded and Shutdown has not been
// called.
func (r *Registry) Initialized() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.initialized && !r.shutdown
}

func (r *Registry) lookup(category string) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.initialized || r.shutdown {
		return nil, herald.ErrNotInitialized
	}
	e, ok := r.entries[category]
	if !ok {
		return nil, fmt.Errorf("%w: %q", herald.ErrUnknownCategory, category)
	}
	return e, nil
}

// Prepare checks that payload belongs to category and returns its
// encoded form. payload may be a value of the category's payload type,
// a pointer to one, or raw JSON. Rejections are *herald.ValidationError.
func (r *Registry) Prepare(category string, payload any) (Prepared, error) {
	e, err := r.lookup(category)
	if err != nil {
		return Prepared{}, err
	}
	return e.prepare(payload)
}

// Handler returns the type-erased handler of category.
func (r *Registry) Handler(category string) (HandlerFunc, error) {
	e, err := r.lookup(category)
	if err != nil {
		return nil, err
	}
	return e.handler, nil
}

// Config returns the queue configuration of category.
func (r *Registry) Config(category string) (queue.Config, error) {
	e, err := r.lookup(category)
	if err != nil {
		return queue.Config{}, err
	}
	return e.config, nil
}

// PayloadType returns the Go type registered for category.
func (r *Registry) PayloadType(category string) (reflect.Type, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[category]
	if !ok {
		return nil, false
	}
	return e.payloadType, true
}

// Categories returns the registered category names in sorted order.
func (r *Registry) Categories() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Configs returns the queue configurations of every category, sorted
// by name.
func (r *Registry) Configs() []queue.Config {
	names := r.Categories()
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]queue.Config, 0, len(names))
	for _, n := range names {
		if e, ok := r.entries[n]; ok {
			out = append(out, e.config)
		}
	}
	return out
}
