package job_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/xraph/herald"
	"github.com/xraph/herald/job"
)

type emailPayload struct {
	To      string `json:"to" validate:"required,email"`
	Subject string `json:"subject" validate:"required,max=200"`
	UserID  string `json:"user_id,omitempty"`
}

func (p emailPayload) EntityIDs() []string { return []string{p.UserID, p.UserID} }

type stubTask struct{ done chan struct{} }

func (stubTask) ID() string                   { return "job_1" }
func (stubTask) Category() string             { return "send-email" }
func (stubTask) Attempt() int                 { return 1 }
func (stubTask) Owner() string                { return "" }
func (stubTask) Report(int, string)           {}
func (s stubTask) Cancelled() <-chan struct{} { return s.done }
func (stubTask) IsCancelled() bool            { return false }

func newEmailRegistry(t *testing.T) *job.Registry {
	t.Helper()
	r := job.NewRegistry()
	def := job.NewDefinition("send-email", func(_ context.Context, p emailPayload, _ job.Task) (any, error) {
		return map[string]string{"sent_to": p.To}, nil
	}, job.WithMaxAttempts(5))
	if err := job.RegisterDefinition(r, def); err != nil {
		t.Fatalf("RegisterDefinition: %v", err)
	}
	if err := r.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return r
}

func TestRegistry_HandlerRoundTrip(t *testing.T) {
	r := newEmailRegistry(t)

	h, err := r.Handler("send-email")
	if err != nil {
		t.Fatalf("Handler: %v", err)
	}
	payload, _ := json.Marshal(emailPayload{To: "alice@example.com", Subject: "Hello"})
	out, err := h(context.Background(), payload, stubTask{done: make(chan struct{})})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	if string(out) != `{"sent_to":"alice@example.com"}` {
		t.Errorf("result = %s", out)
	}

	cfg, err := r.Config("send-email")
	if err != nil {
		t.Fatalf("Config: %v", err)
	}
	if cfg.Retry.MaxAttempts != 5 {
		t.Errorf("MaxAttempts = %d, want 5", cfg.Retry.MaxAttempts)
	}
}

func TestRegistry_NotInitialized(t *testing.T) {
	r := job.NewRegistry()
	_ = job.RegisterDefinition(r, job.NewDefinition("a", func(context.Context, struct{}, job.Task) (any, error) { return nil, nil }))

	if _, err := r.Prepare("a", struct{}{}); !errors.Is(err, herald.ErrNotInitialized) {
		t.Fatalf("Prepare before Init = %v, want ErrNotInitialized", err)
	}
	if err := r.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := r.Init(); !errors.Is(err, herald.ErrRegistryFrozen) {
		t.Fatalf("second Init = %v, want ErrRegistryFrozen", err)
	}

	r.Shutdown()
	if r.Initialized() {
		t.Fatal("Initialized after Shutdown")
	}
	if _, err := r.Handler("a"); !errors.Is(err, herald.ErrNotInitialized) {
		t.Fatalf("Handler after Shutdown = %v, want ErrNotInitialized", err)
	}
}

func TestRegistry_FrozenAfterInit(t *testing.T) {
	r := newEmailRegistry(t)
	err := job.RegisterDefinition(r, job.NewDefinition("late", func(context.Context, struct{}, job.Task) (any, error) { return nil, nil }))
	if !errors.Is(err, herald.ErrRegistryFrozen) {
		t.Fatalf("err = %v, want ErrRegistryFrozen", err)
	}
}

func TestRegistry_DuplicateCategory(t *testing.T) {
	r := job.NewRegistry()
	h := func(context.Context, struct{}, job.Task) (any, error) { return nil, nil }
	if err := job.RegisterDefinition(r, job.NewDefinition("dup", h)); err != nil {
		t.Fatal(err)
	}
	if err := job.RegisterDefinition(r, job.NewDefinition("dup", h)); !errors.Is(err, herald.ErrDuplicateCategory) {
		t.Fatalf("err = %v, want ErrDuplicateCategory", err)
	}
}

func TestRegistry_InitRejectsBadConfig(t *testing.T) {
	r := job.NewRegistry()
	h := func(context.Context, struct{}, job.Task) (any, error) { return nil, nil }
	if err := job.RegisterDefinition(r, job.NewDefinition("bad", h, job.WithConcurrency(0))); err != nil {
		t.Fatal(err)
	}
	if err := r.Init(); err == nil {
		t.Fatal("expected Init to reject zero concurrency")
	}
}

func TestRegistry_UnknownCategory(t *testing.T) {
	r := newEmailRegistry(t)
	if _, err := r.Prepare("nope", emailPayload{}); !errors.Is(err, herald.ErrUnknownCategory) {
		t.Fatalf("err = %v, want ErrUnknownCategory", err)
	}
}

func TestRegistry_Prepare(t *testing.T) {
	r := newEmailRegistry(t)

	tests := []struct {
		name    string
		payload any
		wantErr bool
		field   string
	}{
		{"typed value", emailPayload{To: "a@example.com", Subject: "hi"}, false, ""},
		{"typed pointer", &emailPayload{To: "a@example.com", Subject: "hi"}, false, ""},
		{"raw json", json.RawMessage(`{"to":"a@example.com","subject":"hi"}`), false, ""},
		{"bytes", []byte(`{"to":"a@example.com","subject":"hi"}`), false, ""},
		{"missing field", emailPayload{Subject: "hi"}, true, "to"},
		{"bad email", emailPayload{To: "nope", Subject: "hi"}, true, "to"},
		{"wrong type", map[string]string{"to": "a@example.com"}, true, ""},
		{"unknown json field", json.RawMessage(`{"to":"a@example.com","subject":"hi","cc":"x"}`), true, ""},
		{"malformed json", json.RawMessage(`{"to":`), true, ""},
		{"empty json", json.RawMessage(``), true, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := r.Prepare("send-email", tt.payload)
			if !tt.wantErr {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				var back emailPayload
				if err := json.Unmarshal(p.Payload, &back); err != nil || back.To != "a@example.com" {
					t.Fatalf("payload = %s (%v)", p.Payload, err)
				}
				return
			}
			if !errors.Is(err, herald.ErrValidation) {
				t.Fatalf("err = %v, want ErrValidation", err)
			}
			var verr *herald.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("err is %T, want *herald.ValidationError", err)
			}
			if verr.Category != "send-email" {
				t.Errorf("Category = %q", verr.Category)
			}
			if tt.field != "" {
				if len(verr.Fields) == 0 || verr.Fields[0].Field != tt.field {
					t.Errorf("Fields = %+v, want field %q", verr.Fields, tt.field)
				}
			}
		})
	}
}

func TestRegistry_PrepareEntities(t *testing.T) {
	r := newEmailRegistry(t)
	p, err := r.Prepare("send-email", emailPayload{To: "a@example.com", Subject: "hi", UserID: "u1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(p.Entities) != 1 || p.Entities[0] != "u1" {
		t.Fatalf("Entities = %v, want [u1]", p.Entities)
	}

	p, err = r.Prepare("send-email", emailPayload{To: "a@example.com", Subject: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if len(p.Entities) != 0 {
		t.Fatalf("Entities = %v, want none", p.Entities)
	}
}

func TestRegistry_Categories(t *testing.T) {
	r := job.NewRegistry()
	h := func(context.Context, struct{}, job.Task) (any, error) { return nil, nil }
	for _, n := range []string{"c", "a", "b"} {
		if err := job.RegisterDefinition(r, job.NewDefinition(n, h)); err != nil {
			t.Fatal(err)
		}
	}
	got := r.Categories()
	if len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Fatalf("Categories = %v", got)
	}
	if cfgs := r.Configs(); len(cfgs) != 3 || cfgs[0].Name != "a" {
		t.Fatalf("Configs = %+v", cfgs)
	}
}

func TestRecord_RetriesLeft(t *testing.T) {
	tests := []struct {
		state    job.State
		attempts int
		want     int
	}{
		{job.StateWaiting, 0, 3},
		{job.StateActive, 0, 2},
		{job.StateWaiting, 2, 1},
		{job.StateActive, 2, 0},
		{job.StateDeadLettered, 3, 0},
		{job.StateCompleted, 1, 0},
	}
	for _, tt := range tests {
		r := &job.Record{State: tt.state, AttemptsMade: tt.attempts, MaxAttempts: 3}
		if got := r.RetriesLeft(); got != tt.want {
			t.Errorf("%s/%d: RetriesLeft = %d, want %d", tt.state, tt.attempts, got, tt.want)
		}
	}
}
