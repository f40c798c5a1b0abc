package request

import (
	"errors"
	"testing"

	"github.com/kstaniek/go-can-example/internal/can"
)

func TestBuild(t *testing.T) {
	iface := can.Interface{Name: "can0", Index: 3}
	cases := []struct {
		name    string
		id      string
		ft      FrameType
		payload string
		wantErr error
		wantID  uint16
	}{
		{"data", "291", Data, "hello", nil, 291},
		{"max id", "2047", Data, "x", nil, 2047},
		{"zero id", "0", RemoteRequest, "x", nil, 0},
		{"id too large", "2048", Data, "x", can.ErrInvalidRange, 0},
		{"not a number", "0x12", Data, "x", ErrBadID, 0},
		{"negative", "-1", Data, "x", ErrBadID, 0},
		{"empty id", "", Data, "x", ErrBadID, 0},
		{"empty payload", "1", Data, "", ErrEmptyPayload, 0},
		{"payload too long", "1", Data, "123456789", can.ErrPayloadTooLarge, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			fr, err := Build(iface, tc.id, tc.ft, tc.payload)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("expected %v, got %v", tc.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if fr.ID.Value() != tc.wantID || fr.Iface != iface || string(fr.Payload()) != tc.payload {
				t.Fatalf("unexpected frame %v", fr)
			}
			if fr.ID.RTR() != (tc.ft == RemoteRequest) || fr.ID.ERR() != (tc.ft == Error) {
				t.Fatalf("flags not applied: %v", fr.ID)
			}
		})
	}
}

func TestParseFrameType(t *testing.T) {
	for in, want := range map[string]FrameType{"data": Data, "RTR": RemoteRequest, " err ": Error} {
		got, err := ParseFrameType(in)
		if err != nil || got != want {
			t.Fatalf("%q: got %v %v", in, got, err)
		}
		if got.String() != map[FrameType]string{Data: "data", RemoteRequest: "rtr", Error: "err"}[want] {
			t.Fatalf("String mismatch for %v", got)
		}
	}
	if _, err := ParseFrameType("fd"); !errors.Is(err, ErrBadFrameType) {
		t.Fatalf("expected ErrBadFrameType, got %v", err)
	}
}
