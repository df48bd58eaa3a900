// Package pdf renders signed agreement and completion forms with gofpdf.
package pdf

import (
	"bytes"
	"fmt"

	"github.com/jung-kurt/gofpdf"

	"dealflow/internal/domain"
	"dealflow/internal/finance"
	"dealflow/internal/signature"
)

const (
	marginLeft  = 20.0
	marginRight = 190.0
	sigWidth    = 60.0
	sigHeight   = 20.0
)

// Renderer implements signature.Assembler using the built-in Helvetica font.
type Renderer struct {
	Author string
}

type page struct {
	pdf *gofpdf.Fpdf
	tr  func(string) string
}

func (p page) sectionTitle(s string) {
	p.pdf.SetFont("Helvetica", "B", 12)
	p.pdf.CellFormat(0, 7, p.tr(s), "", 1, "L", false, 0, "")
	p.pdf.SetFont("Helvetica", "", 11)
}

func (p page) kvLine(key, val string) {
	if val == "" {
		val = "-"
	}
	p.pdf.SetFont("Helvetica", "B", 11)
	p.pdf.CellFormat(55, 6, p.tr(key+":"), "", 0, "L", false, 0, "")
	p.pdf.SetFont("Helvetica", "", 11)
	p.pdf.CellFormat(0, 6, p.tr(val), "", 1, "L", false, 0, "")
}

func (p page) hr() {
	y := p.pdf.GetY() + 1.5
	p.pdf.SetLineWidth(0.2)
	p.pdf.Line(marginLeft, y, marginRight, y)
	p.pdf.SetY(y + 2)
}

func (p page) paragraph(s string) {
	p.pdf.SetFont("Helvetica", "", 10)
	p.pdf.MultiCell(0, 5, p.tr(s), "", "L", false)
	p.pdf.Ln(1)
}

var titles = map[signature.FlowKind]string{
	signature.FlowAgreement:  "INSURANCE AGREEMENT",
	signature.FlowCompletion: "CERTIFICATE OF COMPLETION",
}

// Render lays out the document and returns the PDF bytes.
func (r Renderer) Render(doc signature.Document) ([]byte, error) {
	title, ok := titles[doc.Kind]
	if !ok {
		return nil, fmt.Errorf("unknown document kind %q", doc.Kind)
	}
	pdf := gofpdf.New("P", "mm", "Letter", "")
	pdf.SetTitle(title, true)
	if r.Author != "" {
		pdf.SetAuthor(r.Author, true)
	}
	pdf.SetMargins(marginLeft, 20, 20)
	pdf.SetAutoPageBreak(true, 20)
	p := page{pdf: pdf, tr: pdf.UnicodeTranslatorFromDescriptor("")}

	pdf.AliasNbPages("")
	pdf.SetFooterFunc(func() {
		pdf.SetY(-15)
		pdf.SetFont("Helvetica", "", 9)
		pdf.CellFormat(0, 10, fmt.Sprintf("Page %d/{nb}", pdf.PageNo()), "", 0, "C", false, 0, "")
	})
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 18)
	pdf.CellFormat(0, 10, p.tr(title), "", 1, "C", false, 0, "")
	pdf.SetFont("Helvetica", "", 12)
	sub := doc.Date
	if doc.Company != "" {
		sub = doc.Company + "  " + doc.Date
	}
	pdf.CellFormat(0, 7, p.tr(sub), "", 1, "C", false, 0, "")
	p.hr()

	d := doc.Deal
	p.sectionTitle("Homeowner")
	p.kvLine("Name", domain.Value(d.HomeownerName))
	p.kvLine("Phone", domain.Value(d.HomeownerPhone))
	p.kvLine("Email", domain.Value(d.HomeownerEmail))
	p.kvLine("Property", address(d))
	p.hr()

	switch doc.Kind {
	case signature.FlowAgreement:
		p.sectionTitle("Insurance claim")
		p.kvLine("Insurance company", domain.Value(d.InsuranceCompany))
		p.kvLine("Policy number", domain.Value(d.PolicyNumber))
		p.kvLine("Claim number", domain.Value(d.ClaimNumber))
		p.kvLine("Date of loss", domain.Value(d.DateOfLoss))
		p.kvLine("Adjuster phone", d.AdjusterPhoneLabel())
		if d.RCV != nil {
			p.kvLine("RCV", finance.Money(*d.RCV))
		}
		p.hr()
		p.sectionTitle("Representative")
		p.kvLine("Name", doc.RepName)
		p.paragraph("The homeowner authorizes the contractor to work with the insurance carrier on the claim " +
			"above. Work is performed for the insurance proceeds plus the deductible.")
	case signature.FlowCompletion:
		p.sectionTitle("Installation")
		p.kvLine("Install date", domain.Value(d.InstallDate))
		p.kvLine("Crew lead", doc.CrewLead)
		p.kvLine("Walkthrough", doc.Walkthrough)
		p.kvLine("Representative", doc.RepName)
		p.paragraph("The homeowner confirms the work was completed and the property was left in good condition.")
	}
	p.hr()

	p.sectionTitle("Signatures")
	for _, slot := range doc.Slots {
		a, ok := artifact(doc.Artifacts, slot.ID)
		if !ok {
			return nil, fmt.Errorf("missing artifact for %s", slot.ID)
		}
		if err := p.signature(slot, a); err != nil {
			return nil, err
		}
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (p page) signature(slot signature.Slot, a signature.Artifact) error {
	p.pdf.SetFont("Helvetica", "", 10)
	p.pdf.CellFormat(0, 6, p.tr(slot.Label), "", 1, "L", false, 0, "")
	if p.pdf.GetY()+sigHeight > 250 {
		p.pdf.AddPage()
	}
	y := p.pdf.GetY()
	w := sigWidth
	if slot.Initials {
		w = sigWidth / 2
	}
	switch a.Kind {
	case signature.Drawn:
		name := "sig-" + slot.ID
		opts := gofpdf.ImageOptions{ImageType: "PNG"}
		p.pdf.RegisterImageOptionsReader(name, opts, bytes.NewReader(a.Image))
		if err := p.pdf.Error(); err != nil {
			return fmt.Errorf("signature %s: %w", slot.ID, err)
		}
		p.pdf.ImageOptions(name, marginLeft, y, w, sigHeight, false, opts, 0, "")
	default:
		p.pdf.SetXY(marginLeft, y+sigHeight-10)
		p.pdf.SetFont("Times", "I", 16)
		p.pdf.CellFormat(w, 8, p.tr(a.Text), "", 0, "L", false, 0, "")
	}
	p.pdf.SetLineWidth(0.3)
	p.pdf.Line(marginLeft, y+sigHeight, marginLeft+sigWidth, y+sigHeight)
	p.pdf.SetXY(marginLeft, y+sigHeight+1)
	p.pdf.SetFont("Helvetica", "", 8)
	p.pdf.CellFormat(0, 4, p.tr(fmt.Sprintf("(%s, %s)", slot.Signer, a.CapturedAt.UTC().Format("2006-01-02 15:04"))), "", 1, "L", false, 0, "")
	p.pdf.Ln(3)
	return nil
}

func artifact(as []signature.Artifact, id string) (signature.Artifact, bool) {
	for _, a := range as {
		if a.Slot == id {
			return a, true
		}
	}
	return signature.Artifact{}, false
}

func address(d domain.Deal) string {
	s := domain.Value(d.Address)
	for _, part := range []string{domain.Value(d.City), domain.Value(d.State), domain.Value(d.Zip)} {
		if part == "" {
			continue
		}
		if s != "" {
			s += ", "
		}
		s += part
	}
	return s
}
