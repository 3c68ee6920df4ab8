package protocol

import (
	"reflect"
	"testing"

	"balancerd/pkg/types"
)

func sampleSnapshot() types.SlotSnapshot {
	return types.SlotSnapshot{
		DesiredSlotsTotal:      4,
		Issues:                 []types.AgentIssue{types.ChatTemplateDoesNotCompile("bad", "{{")},
		SlotsIdle:              3,
		SlotsProcessing:        1,
		SlotsTotal:             4,
		StateApplicationStatus: types.ApplicationApplied,
		Version:                9,
	}
}

func TestMessages_RoundTrip(t *testing.T) {
	ds := &types.DesiredState{
		Model: types.ModelReference{Kind: types.ModelHuggingFace, Repo: "org/r", Revision: "main", Filename: "m.gguf"},
		Slots: 4,
	}
	msgs := []Message{
		RegisterAgent("agent-1", "box", sampleSnapshot()),
		DeregisterAgent(),
		UpdateAgentStatus(sampleSnapshot()),
		SetState(ds),
		SetState(nil),
		Version("1.2.3"),
		StopGeneration("req-1"),
		GenerateTokens("req-1", 64, "hello"),
		GeneratedToken("req-1", "tok"),
		Done("req-1"),
		ChatTemplateError("req-1", "no template"),
		ErrorMessage("req-1", CodeInternal, ""),
		ErrorMessage("", CodeBadRequest, "invalid frame"),
	}
	for _, m := range msgs {
		b, err := Encode(m)
		if err != nil {
			t.Fatalf("encode %+v: %v", m, err)
		}
		back, err := Decode(b)
		if err != nil {
			t.Fatalf("decode %s: %v", b, err)
		}
		if !reflect.DeepEqual(back, m) {
			t.Fatalf("round trip mismatch:\n%s\n%+v", b, back)
		}
	}
}

func TestDecode_Malformed(t *testing.T) {
	cases := []string{
		`not json`,
		`{"kind":"bogus"}`,
		`{"kind":"notification"}`,
		`{"kind":"notification","notification":{"kind":"register_agent"}}`,
		`{"kind":"notification","notification":{"kind":"stop_generation","stop_generation":{"request_id":""}}}`,
		`{"kind":"request","request":{"id":"","kind":"generate_tokens","generate_tokens":{"prompt":"x"}}}`,
		`{"kind":"response","response":{"request_id":"r","kind":"weird"}}`,
	}
	for _, c := range cases {
		if _, err := Decode([]byte(c)); !IsMalformed(err) {
			t.Fatalf("%s: expected malformed, got %v", c, err)
		}
	}
}

func TestError_AsError(t *testing.T) {
	m := ErrorMessage("r", CodeUnavailable, "no idle slot")
	re := m.Error.AsError()
	if re.Code != CodeUnavailable || re.Description != "no idle slot" {
		t.Fatalf("unexpected: %+v", re)
	}
	if re.Error() == "" {
		t.Fatalf("empty error string")
	}
	if ErrorMessage("r", CodeInternal, "").Error.Description != nil {
		t.Fatalf("empty description should be omitted")
	}
}

func TestResponse_Terminal(t *testing.T) {
	if GeneratedToken("r", "x").Response.Terminal() {
		t.Fatalf("token is not terminal")
	}
	if !Done("r").Response.Terminal() || !ChatTemplateError("r", "x").Response.Terminal() {
		t.Fatalf("done/chat template error are terminal")
	}
}
