package state

import (
	"encoding/json"
	"errors"
	"testing"
)

func mustDocument(t *testing.T, raw string) Document {
	t.Helper()
	document, err := DecodeDocument(json.RawMessage(raw))
	if err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	return document
}

func TestShallowMergeReplacesWholeTopLevelValues(t *testing.T) {
	base := mustDocument(t, `{"payments":{"currency":"USD","usdToVES":36.5},"layout":{"count":4,"edit":false}}`)
	patch := mustDocument(t, `{"payments":{"currency":"EUR"}}`)

	merged := ShallowMerge(base, patch)

	if string(merged[KeyPayments]) != `{"currency":"EUR"}` {
		t.Fatalf("expected payments to be replaced wholesale, got %s", merged[KeyPayments])
	}
	if string(merged[KeyLayout]) != `{"count":4,"edit":false}` {
		t.Fatalf("expected layout to be preserved, got %s", merged[KeyLayout])
	}
	if string(base[KeyPayments]) != `{"currency":"USD","usdToVES":36.5}` {
		t.Fatalf("base document must not be mutated")
	}
}

func TestShallowMergeDisjointPatchesCommuteInKeySet(t *testing.T) {
	base := mustDocument(t, `{"background":{"publicPath":"/a.png"}}`)
	first := mustDocument(t, `{"layout":{"count":2,"edit":true}}`)
	second := mustDocument(t, `{"tents":[]}`)

	forward := ShallowMerge(ShallowMerge(base, first), second)
	backward := ShallowMerge(ShallowMerge(base, second), first)

	forwardKeys := forward.Keys()
	backwardKeys := backward.Keys()
	if len(forwardKeys) != 3 || len(backwardKeys) != 3 {
		t.Fatalf("expected union of keys, got %v and %v", forwardKeys, backwardKeys)
	}
	for index := range forwardKeys {
		if forwardKeys[index] != backwardKeys[index] {
			t.Fatalf("key sets differ: %v vs %v", forwardKeys, backwardKeys)
		}
		key := forwardKeys[index]
		if string(forward[key]) != string(backward[key]) {
			t.Fatalf("value for %s differs: %s vs %s", key, forward[key], backward[key])
		}
	}
}

func TestShallowMergeSameKeyLastApplierWins(t *testing.T) {
	base := Document{}
	first := mustDocument(t, `{"payments":{"currency":"USD","whatsappNumber":"4121234567"}}`)
	second := mustDocument(t, `{"payments":{"currency":"USD","usdToVES":40}}`)

	merged := ShallowMerge(ShallowMerge(base, first), second)

	var payments Payments
	if _, err := merged.DecodeField(KeyPayments, &payments); err != nil {
		t.Fatalf("decode payments: %v", err)
	}
	if payments.WhatsappNumber != "" {
		t.Fatalf("expected the earlier nested field to be discarded, got %q", payments.WhatsappNumber)
	}
	if payments.USDToVES != 40 {
		t.Fatalf("expected last writer value, got %v", payments.USDToVES)
	}
}

func TestShallowMergePreservesUnknownKeys(t *testing.T) {
	base := mustDocument(t, `{"__touch":1700000000000,"tents":[]}`)
	merged := ShallowMerge(base, mustDocument(t, `{"tents":[{"id":1,"x":0.5,"y":0.5,"state":"available","price":0}]}`))
	if string(merged[KeyTouch]) != "1700000000000" {
		t.Fatalf("expected unknown key to survive, got %s", merged[KeyTouch])
	}
}

func TestDecodeDocumentEdgeCases(t *testing.T) {
	testCases := []struct {
		name      string
		raw       string
		wantLen   int
		wantError error
	}{
		{name: "empty", raw: "", wantLen: 0},
		{name: "null", raw: "null", wantLen: 0},
		{name: "object", raw: `{"layout":{"count":1,"edit":false}}`, wantLen: 1},
		{name: "array", raw: `[1,2]`, wantError: ErrNotObject},
		{name: "number", raw: `42`, wantError: ErrNotObject},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			document, err := DecodeDocument(json.RawMessage(testCase.raw))
			if testCase.wantError != nil {
				if !errors.Is(err, testCase.wantError) {
					t.Fatalf("expected %v, got %v", testCase.wantError, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(document) != testCase.wantLen {
				t.Fatalf("expected %d keys, got %d", testCase.wantLen, len(document))
			}
		})
	}
}

func TestDecodeNormalizesLegacyCodesAndMissingStatus(t *testing.T) {
	document := mustDocument(t, `{
		"tents":[{"id":1,"x":0.1,"y":0.2,"state":"pr"},{"id":2,"x":0.3,"y":0.4,"state":"bl","price":5}],
		"reservations":[{"id":"1-1","tentId":1,"createdAt":"2025-07-01T10:00:00.000Z","expiresAt":"2025-07-01T10:15:00.000Z"}]
	}`)

	shared, err := document.Decode()
	if err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if shared.Tents[0].State != TentPending || shared.Tents[1].State != TentBlocked {
		t.Fatalf("expected legacy codes to be normalized, got %+v", shared.Tents)
	}
	if shared.Reservations[0].Status != ReservationPending {
		t.Fatalf("expected missing status to default to pending, got %q", shared.Reservations[0].Status)
	}
	if shared.Reservations[0].ExpiresAt.Sub(shared.Reservations[0].CreatedAt).Minutes() != 15 {
		t.Fatalf("unexpected hold window: %+v", shared.Reservations[0])
	}
}

func TestDecodeBlocksUnknownTentState(t *testing.T) {
	document := mustDocument(t, `{"tents":[{"id":1,"x":0,"y":0,"state":"sold"},{"id":2,"x":0,"y":0,"state":"av"}]}`)
	shared, err := document.Decode()
	if err != nil {
		t.Fatalf("expected tolerant decode, got %v", err)
	}
	if shared.Tents[0].State != TentBlocked || shared.Tents[1].State != TentAvailable {
		t.Fatalf("expected unknown state to decode as blocked, got %+v", shared.Tents)
	}
	if err := document.Validate(); !errors.Is(err, ErrInvalidTentState) {
		t.Fatalf("expected validation to report the unknown state, got %v", err)
	}
}

func TestValidateAcceptsKnownStates(t *testing.T) {
	cases := []string{
		`{}`,
		`{"tents":null}`,
		`{"tents":[{"id":1,"state":"pr"},{"id":2,"state":"occupied"}]}`,
	}
	for _, raw := range cases {
		if err := mustDocument(t, raw).Validate(); err != nil {
			t.Fatalf("expected %s to validate, got %v", raw, err)
		}
	}
	if err := mustDocument(t, `{"tents":{"id":1}}`).Validate(); err == nil {
		t.Fatalf("expected a non-array tents value to fail validation")
	}
}

func TestProjectKeepsOnlyLocalFields(t *testing.T) {
	document := mustDocument(t, `{"tents":[],"reservations":[],"payments":{},"background":{},"layout":{},"security":{},"logs":[],"__touch":1}`)
	projected := document.Project(LocalProjectionKeys...)
	if len(projected) != len(LocalProjectionKeys) {
		t.Fatalf("expected %d keys, got %v", len(LocalProjectionKeys), projected.Keys())
	}
	if projected.Has(KeyLogs) || projected.Has(KeyTouch) {
		t.Fatalf("projection must exclude logs and volatile keys: %v", projected.Keys())
	}
}
