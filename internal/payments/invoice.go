package payments

import (
	"bytes"
	"fmt"
	"time"

	"github.com/resq-labs/resq-core/internal/models"
)

// InvoiceRenderer turns an invoice into a PDF byte stream. Rendering happens
// inside the finalize transaction scope but is pure computation.
type InvoiceRenderer interface {
	Render(invoice *models.Invoice, req *models.ServiceRequest) ([]byte, error)
}

// MinimalPDFRenderer produces a single-page text-only PDF with the invoice
// totals. Deployments wanting branded invoices swap in their own renderer.
type MinimalPDFRenderer struct{}

func (MinimalPDFRenderer) Render(invoice *models.Invoice, req *models.ServiceRequest) ([]byte, error) {
	lines := []string{
		"ResQ Roadside Assistance - Invoice",
		fmt.Sprintf("Date: %s", time.Now().Format("2006-01-02")),
		fmt.Sprintf("Service request: %d", req.ID),
		fmt.Sprintf("Service: %s (%s)", req.ServiceType, req.VehicleType),
		fmt.Sprintf("Base amount: %.2f", invoice.BaseAmount),
		fmt.Sprintf("Platform fee: %.2f", invoice.PlatformFee),
		fmt.Sprintf("Total: %.2f", invoice.TotalAmount),
	}

	var content bytes.Buffer
	content.WriteString("BT /F1 12 Tf 50 770 Td 16 TL\n")
	for _, line := range lines {
		fmt.Fprintf(&content, "(%s) Tj T*\n", pdfEscape(line))
	}
	content.WriteString("ET\n")

	objects := []string{
		"<< /Type /Catalog /Pages 2 0 R >>",
		"<< /Type /Pages /Kids [3 0 R] /Count 1 >>",
		"<< /Type /Page /Parent 2 0 R /MediaBox [0 0 595 842] /Contents 4 0 R /Resources << /Font << /F1 5 0 R >> >> >>",
		fmt.Sprintf("<< /Length %d >>\nstream\n%sendstream", content.Len(), content.String()),
		"<< /Type /Font /Subtype /Type1 /BaseFont /Helvetica >>",
	}

	var out bytes.Buffer
	out.WriteString("%PDF-1.4\n")
	offsets := make([]int, len(objects)+1)
	for i, obj := range objects {
		offsets[i+1] = out.Len()
		fmt.Fprintf(&out, "%d 0 obj\n%s\nendobj\n", i+1, obj)
	}

	xref := out.Len()
	fmt.Fprintf(&out, "xref\n0 %d\n", len(objects)+1)
	out.WriteString("0000000000 65535 f \n")
	for i := 1; i <= len(objects); i++ {
		fmt.Fprintf(&out, "%010d 00000 n \n", offsets[i])
	}
	fmt.Fprintf(&out, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n",
		len(objects)+1, xref)
	return out.Bytes(), nil
}

func pdfEscape(s string) string {
	var b bytes.Buffer
	for _, r := range s {
		switch r {
		case '(', ')', '\\':
			b.WriteByte('\\')
			b.WriteRune(r)
		default:
			if r < 128 {
				b.WriteRune(r)
			}
		}
	}
	return b.String()
}
