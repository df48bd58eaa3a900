package pdf

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"testing"
	"time"

	"dealflow/internal/domain"
	"dealflow/internal/signature"
)

func testPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 60, 20))
	for x := 0; x < 60; x++ {
		img.Set(x, 10, color.Black)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func document(kind signature.FlowKind, slots []signature.Slot, drawn []byte) signature.Document {
	at := time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)
	var artifacts []signature.Artifact
	for i, s := range slots {
		a := signature.Artifact{Slot: s.ID, Kind: signature.Typed, Text: "Ann Example", CapturedAt: at}
		if i%2 == 0 {
			a = signature.Artifact{Slot: s.ID, Kind: signature.Drawn, Image: drawn, CapturedAt: at}
		}
		artifacts = append(artifacts, a)
	}
	return signature.Document{
		Kind:        kind,
		Company:     "Acme Roofing",
		Deal:        domain.Deal{ID: "d1", HomeownerName: domain.String("Ann Exämple"), City: domain.String("Tulsa"), RCV: domain.Float(20000)},
		RepName:     "Rita Rep",
		Date:        "2026-10-14",
		CrewLead:    "Carl",
		Walkthrough: "in_person",
		Slots:       slots,
		Artifacts:   artifacts,
	}
}

func TestRenderBothForms(t *testing.T) {
	img := testPNG(t)
	cases := []struct {
		kind  signature.FlowKind
		slots []signature.Slot
	}{
		{signature.FlowAgreement, signature.AgreementSlots},
		{signature.FlowCompletion, signature.CompletionSlots},
	}
	for _, tc := range cases {
		out, err := Renderer{Author: "Acme Roofing"}.Render(document(tc.kind, tc.slots, img))
		if err != nil {
			t.Fatalf("%s: render: %v", tc.kind, err)
		}
		if !bytes.HasPrefix(out, []byte("%PDF")) {
			t.Fatalf("%s: not a pdf", tc.kind)
		}
	}
}

func TestRenderRejectsBadInput(t *testing.T) {
	doc := document(signature.FlowAgreement, signature.AgreementSlots, []byte("not a png"))
	if _, err := (Renderer{}).Render(doc); err == nil {
		t.Fatalf("invalid image accepted")
	}
	doc = document(signature.FlowAgreement, signature.AgreementSlots, testPNG(t))
	doc.Artifacts = doc.Artifacts[:2]
	if _, err := (Renderer{}).Render(doc); err == nil {
		t.Fatalf("missing artifact accepted")
	}
	doc.Kind = "invoice"
	if _, err := (Renderer{}).Render(doc); err == nil {
		t.Fatalf("unknown kind accepted")
	}
}
