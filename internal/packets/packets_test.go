package packets

import (
	"bytes"
	"errors"
	"testing"

	"github.com/go-test/deep"
	"github.com/google/go-cmp/cmp"
)

func TestEncodeFrame_Compression(t *testing.T) {
	compressible := bytes.Repeat([]byte("ballast tank "), 100)
	random := []byte{0x9f, 0x01, 0x33, 0xe2, 0x7a}

	tests := map[string]struct {
		frame          Frame
		threshold      int
		wantCompressed bool
	}{
		"below_threshold": {
			frame:     Frame{Header: IsServerMessage, Payload: random},
			threshold: 64,
		},
		"compression_disabled": {
			frame:     Frame{Header: IsServerMessage, Payload: compressible},
			threshold: 0,
		},
		"above_threshold": {
			frame:          Frame{Header: IsServerMessage, Payload: compressible},
			threshold:      64,
			wantCompressed: true,
		},
		"initialization_step": {
			frame:          Frame{Header: IsConnectionInitializationStep, Step: ContentPackageOrder, Payload: compressible},
			threshold:      64,
			wantCompressed: true,
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			data, err := EncodeFrame(tt.frame, tt.threshold)
			if err != nil {
				t.Fatalf("EncodeFrame() returned an unexpected error: %v", err)
			}
			if got := PacketHeader(data[0]).Has(IsCompressed); got != tt.wantCompressed {
				t.Errorf("expected compressed = %v, got = %v", tt.wantCompressed, got)
			}

			decoded, err := DecodeFrame(data)
			if err != nil {
				t.Fatalf("DecodeFrame() returned an unexpected error: %v", err)
			}
			if diff := cmp.Diff(tt.frame.Payload, decoded.Payload); diff != "" {
				t.Errorf("payload mismatch after decode; diff:\n%s", diff)
			}
			if decoded.Step != tt.frame.Step {
				t.Errorf("expected step = %v, got = %v", tt.frame.Step, decoded.Step)
			}
		})
	}
}

func TestDecodeFrame_Malformed(t *testing.T) {
	tests := map[string][]byte{
		"empty":             {},
		"unknown_bits":      {0x80, 0x00},
		"missing_step":      {byte(IsConnectionInitializationStep)},
		"unknown_step":      {byte(IsConnectionInitializationStep), 0x09, 0x00},
		"truncated_payload": {0x00, 0x04, 0x01},
		"trailing_bytes":    {0x00, 0x01, 0x01, 0x02},
		"bad_compression":   {byte(IsCompressed), 0x03, 0x01, 0x02, 0x03},
	}

	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeFrame(data)
			if err == nil {
				t.Fatal("expected an error decoding malformed frame")
			}
			if !errors.Is(err, ErrMalformedFrame) && !errors.Is(err, ErrDecompress) {
				t.Errorf("expected a malformed frame error, got %v", err)
			}
		})
	}
}

func TestConnectionInitialization_Order(t *testing.T) {
	ordered := []ConnectionInitialization{AuthInfoAndVersion, Password, ContentPackageOrder, Success}
	for i := 1; i < len(ordered); i++ {
		if ordered[i-1].Order() >= ordered[i].Order() {
			t.Errorf("expected %v to come before %v", ordered[i-1], ordered[i])
		}
	}
	if ConnectionInitialization(42).Valid() {
		t.Error("expected unknown step to be invalid")
	}
}

func TestHandshakePayloads(t *testing.T) {
	auth := AuthRequest{
		Name:        "Captain Ahab",
		OwnerKey:    8675309,
		GameVersion: "1.2.7.0",
		Language:    "English",
		TicketKind:  1,
		Ticket:      []byte("header.claims.signature"),
	}
	gotAuth, err := DecodeAuthRequest(auth.Encode())
	if err != nil {
		t.Fatalf("DecodeAuthRequest() returned an unexpected error: %v", err)
	}
	if diff := deep.Equal(auth, gotAuth); diff != nil {
		t.Errorf("auth request mismatch: %v", diff)
	}

	order := ContentPackageManifest{
		ServerName: "Europa Station",
		Packages: []ContentPackage{
			{Name: "Vanilla", Hash: "ab12", Version: "1.2.7.0"},
			{Name: "Better Sonar", Hash: "cd34", Version: "0.3"},
		},
		AllowModDownloads: true,
	}
	gotOrder, err := DecodeContentPackageManifest(order.Encode())
	if err != nil {
		t.Fatalf("DecodeContentPackageManifest() returned an unexpected error: %v", err)
	}
	if diff := deep.Equal(order, gotOrder); diff != nil {
		t.Errorf("content package order mismatch: %v", diff)
	}

	disconnect := NewDisconnect(ReasonBanned, "griefing the reactor")
	gotDisconnect, err := DecodeDisconnectPacket(disconnect.Encode())
	if err != nil {
		t.Fatalf("DecodeDisconnectPacket() returned an unexpected error: %v", err)
	}
	if gotDisconnect != disconnect {
		t.Errorf("expected disconnect = %v, got = %v", disconnect, gotDisconnect)
	}
}

func TestDecodeAuthRequest_Truncated(t *testing.T) {
	full := (&AuthRequest{Name: "Jacob", GameVersion: "1.0", Ticket: []byte{1, 2, 3}}).Encode()
	for i := 0; i < len(full)-1; i++ {
		if _, err := DecodeAuthRequest(full[:i]); !errors.Is(err, ErrMalformedFrame) {
			t.Fatalf("expected truncation at %d bytes to fail, got %v", i, err)
		}
	}
}

func TestFragmenter_Reassembly(t *testing.T) {
	payload := bytes.Repeat([]byte{0x01, 0x02, 0x03, 0x04, 0x05}, 200)

	fragmenter := NewFragmenter(100)
	frames, err := fragmenter.Fragment(IsServerMessage, payload)
	if err != nil {
		t.Fatalf("Fragment() returned an unexpected error: %v", err)
	}
	if len(frames) != 11 {
		t.Fatalf("expected 11 fragments, got %d", len(frames))
	}

	d := NewDefragmenter()
	// Deliver in reverse with a duplicate to make sure ordering doesn't matter.
	if _, complete, err := d.Add(frames[3].Payload); complete || err != nil {
		t.Fatalf("unexpected result for first fragment: complete=%v err=%v", complete, err)
	}
	var result []byte
	for i := len(frames) - 1; i >= 0; i-- {
		if !frames[i].Header.Has(IsFragment) {
			t.Fatalf("expected fragment %d to carry IsFragment", i)
		}
		msg, complete, err := d.Add(frames[i].Payload)
		if err != nil {
			t.Fatalf("Add() returned an unexpected error: %v", err)
		}
		if complete {
			result = msg
		}
	}
	if diff := cmp.Diff(payload, result); diff != "" {
		t.Errorf("reassembled message mismatch; diff:\n%s", diff)
	}
	if d.Pending() != 0 {
		t.Errorf("expected no pending messages, got %d", d.Pending())
	}
}

func TestFragmenter_SmallPayload(t *testing.T) {
	frames, err := NewFragmenter(100).Fragment(IsServerMessage, []byte("hello"))
	if err != nil {
		t.Fatalf("Fragment() returned an unexpected error: %v", err)
	}
	if len(frames) != 1 || frames[0].Header.Has(IsFragment) {
		t.Errorf("expected a single unfragmented frame, got %+v", frames)
	}
}

func TestDefragmenter_EvictsOldest(t *testing.T) {
	f := NewFragmenter(16)
	d := NewDefragmenter()

	var first []Frame
	for i := 0; i < maxPartialMessages+1; i++ {
		frames, err := f.Fragment(0, bytes.Repeat([]byte{byte(i)}, 40))
		if err != nil {
			t.Fatalf("Fragment() returned an unexpected error: %v", err)
		}
		if i == 0 {
			first = frames
		}
		if _, _, err := d.Add(frames[0].Payload); err != nil {
			t.Fatalf("Add() returned an unexpected error: %v", err)
		}
	}
	if d.Pending() != maxPartialMessages {
		t.Fatalf("expected %d pending messages, got %d", maxPartialMessages, d.Pending())
	}

	// The first message was evicted, so its remaining fragments start a new set.
	for _, frame := range first[1:] {
		if _, complete, _ := d.Add(frame.Payload); complete {
			t.Fatal("expected evicted message not to complete")
		}
	}
}

func TestDefragmenter_RejectsBadFragments(t *testing.T) {
	tests := map[string][]byte{
		"too_short":        {0x01},
		"zero_count":       {0x01, 0x00, 0x00, 0x00, 0x00, 0x00},
		"index_past_count": {0x01, 0x00, 0x05, 0x00, 0x02, 0x00},
	}
	for name, payload := range tests {
		t.Run(name, func(t *testing.T) {
			if _, _, err := NewDefragmenter().Add(payload); !errors.Is(err, ErrBadFragment) {
				t.Errorf("expected ErrBadFragment, got %v", err)
			}
		})
	}
}
