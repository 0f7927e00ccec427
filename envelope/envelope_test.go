package envelope

import "testing"

func validEnvelope() *Envelope {
	return &Envelope{
		EventID:      "11111111-1111-1111-1111-111111111111",
		EventType:    "orders.created",
		EventVersion: "v1",
		Priority:     PriorityNormal,
		Payload:      map[string]any{"order_id": "o-1"},
	}
}

func TestValidateAcceptsWellFormedEnvelope(t *testing.T) {
	if err := validEnvelope().Validate(); err != nil {
		t.Fatalf("expected valid envelope, got error: %v", err)
	}
}

func TestValidateRejectsMissingEventID(t *testing.T) {
	e := validEnvelope()
	e.EventID = ""
	if err := e.Validate(); err == nil {
		t.Fatal("expected error for missing event_id")
	}
}

func TestValidateRejectsMalformedEventType(t *testing.T) {
	cases := []string{"", "Orders.Created", "orders", "orders.", ".created", "orders..created"}
	for _, et := range cases {
		e := validEnvelope()
		e.EventType = et
		if err := e.Validate(); err == nil {
			t.Errorf("expected error for event_type %q", et)
		}
	}
}

func TestValidateRejectsMalformedEventVersion(t *testing.T) {
	cases := []string{"", "1", "version1", "vv1", "v"}
	for _, ev := range cases {
		e := validEnvelope()
		e.EventVersion = ev
		if err := e.Validate(); err == nil {
			t.Errorf("expected error for event_version %q", ev)
		}
	}
}

func TestValidateAcceptsAllVersionDigits(t *testing.T) {
	e := validEnvelope()
	e.EventVersion = "v123"
	if err := e.Validate(); err != nil {
		t.Fatalf("expected v123 to be valid, got %v", err)
	}
}

func TestValidateRejectsNilPayload(t *testing.T) {
	e := validEnvelope()
	e.Payload = nil
	if err := e.Validate(); err == nil {
		t.Fatal("expected error for nil payload")
	}
}

func TestValidateRejectsUnknownPriority(t *testing.T) {
	e := validEnvelope()
	e.Priority = "urgent"
	if err := e.Validate(); err == nil {
		t.Fatal("expected error for unknown priority")
	}
}

func TestValidateAllowsEmptyPriority(t *testing.T) {
	e := validEnvelope()
	e.Priority = ""
	if err := e.Validate(); err != nil {
		t.Fatalf("empty priority should be allowed, got %v", err)
	}
}

func TestValidateDoesNotRequireCorrelationID(t *testing.T) {
	e := validEnvelope()
	e.CorrelationID = ""
	if err := e.Validate(); err != nil {
		t.Fatalf("correlation_id should not be required at this stage, got %v", err)
	}
}
