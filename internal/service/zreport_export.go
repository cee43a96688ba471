package service

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/opentill/opentill/internal/core"
)

// GenerateZReportPDF renders the end-of-session Z report for a closed
// session: the server-computed totals, the cash reconciliation and the
// order-level detail. Open sessions are refused because their totals do not
// exist yet.
func (s *RegisterService) GenerateZReportPDF(ctx context.Context, sessionID string) ([]byte, string, error) {
	session, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return nil, "", err
	}
	if session.Status != core.SessionStatusClosed {
		return nil, "", core.ErrSessionNotOpen
	}

	orders, err := s.ListOrders(ctx, sessionID)
	if err != nil {
		return nil, "", fmt.Errorf("failed to fetch session orders: %w", err)
	}

	pdfBytes, err := renderZReportPDF(session, orders)
	if err != nil {
		return nil, "", err
	}

	filename := fmt.Sprintf("z-report-%s-%s.pdf", session.BranchID, session.OpenedAt.Format("2006-01-02"))
	return pdfBytes, filename, nil
}

func renderZReportPDF(session *core.RegisterSession, orders []*core.Order) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(10, 10, 10)
	pdf.SetAutoPageBreak(true, 12)
	pdf.AddPage()

	pdf.SetFont("Arial", "B", 16)
	pdf.CellFormat(0, 8, "OpenTill", "", 1, "L", false, 0, "")

	pdf.SetFont("Arial", "B", 13)
	pdf.CellFormat(0, 7, "Register Session Z Report", "", 1, "L", false, 0, "")

	closedAt := "-"
	if session.ClosedAt != nil {
		closedAt = formatReportDateTime(*session.ClosedAt)
	}

	pdf.SetFont("Arial", "", 10)
	pdf.CellFormat(0, 6, fmt.Sprintf("Branch: %s", session.BranchID), "", 1, "L", false, 0, "")
	pdf.CellFormat(0, 6, fmt.Sprintf("Session: %s", session.ID), "", 1, "L", false, 0, "")
	pdf.CellFormat(0, 6, fmt.Sprintf("Cashier: %s", session.CashierID), "", 1, "L", false, 0, "")
	pdf.CellFormat(0, 6, fmt.Sprintf("Opened: %s | Closed: %s", formatReportDateTime(session.OpenedAt), closedAt), "", 1, "L", false, 0, "")
	pdf.CellFormat(0, 6, fmt.Sprintf("Generated At: %s", formatReportDateTime(time.Now())), "", 1, "L", false, 0, "")
	pdf.Ln(2)

	totals := session.Totals

	pdf.SetFont("Arial", "B", 11)
	pdf.CellFormat(0, 7, "Sales Summary", "1", 1, "L", false, 0, "")

	pdf.SetFont("Arial", "", 10)
	pdf.CellFormat(95, 7, fmt.Sprintf("Orders: %d", totals.OrdersCount), "1", 0, "L", false, 0, "")
	pdf.CellFormat(95, 7, fmt.Sprintf("Gross Sales: %s", formatMoney(totals.GrossSales)), "1", 1, "L", false, 0, "")
	pdf.CellFormat(95, 7, fmt.Sprintf("Discounts: %s", formatMoney(totals.Discounts)), "1", 0, "L", false, 0, "")
	pdf.CellFormat(95, 7, fmt.Sprintf("Refunds: %s", formatMoney(totals.Refunds)), "1", 1, "L", false, 0, "")
	pdf.CellFormat(190, 7, fmt.Sprintf("Net Sales: %s", formatMoney(totals.NetSales)), "1", 1, "L", false, 0, "")
	pdf.Ln(3)

	pdf.SetFont("Arial", "B", 11)
	pdf.CellFormat(0, 7, "Payment Method Breakdown", "1", 1, "L", false, 0, "")

	pdf.SetFont("Arial", "", 10)
	pdf.CellFormat(63, 7, fmt.Sprintf("Cash: %s", formatMoney(totals.ByMethod.Cash)), "1", 0, "L", false, 0, "")
	pdf.CellFormat(63, 7, fmt.Sprintf("Card: %s", formatMoney(totals.ByMethod.Card)), "1", 0, "L", false, 0, "")
	pdf.CellFormat(64, 7, fmt.Sprintf("Online: %s", formatMoney(totals.ByMethod.Online)), "1", 1, "L", false, 0, "")
	pdf.Ln(3)

	pdf.SetFont("Arial", "B", 11)
	pdf.CellFormat(0, 7, "Cash Reconciliation", "1", 1, "L", false, 0, "")

	pdf.SetFont("Arial", "", 10)
	pdf.CellFormat(95, 7, fmt.Sprintf("Opening Float: %s", formatMoney(session.OpeningFloat)), "1", 0, "L", false, 0, "")
	pdf.CellFormat(95, 7, fmt.Sprintf("Expected Cash: %s", formatMoney(session.ExpectedCash)), "1", 1, "L", false, 0, "")
	pdf.CellFormat(95, 7, fmt.Sprintf("Counted Cash: %s", formatMoney(session.ClosingCash)), "1", 0, "L", false, 0, "")
	pdf.CellFormat(95, 7, fmt.Sprintf("Variance: %s", formatMoney(session.CashVariance)), "1", 1, "L", false, 0, "")
	pdf.Ln(3)

	pdf.SetFont("Arial", "B", 11)
	pdf.CellFormat(0, 7, "Order-Level Detail", "", 1, "L", false, 0, "")

	if len(orders) == 0 {
		pdf.SetFont("Arial", "", 10)
		pdf.CellFormat(0, 6, "No orders recorded for this session.", "", 1, "L", false, 0, "")
	} else {
		for i, order := range orders {
			ensurePageSpace(pdf, 35)

			pdf.SetFont("Arial", "B", 10)
			headerLine := fmt.Sprintf(
				"%d) %s | %s / %s | %s",
				i+1,
				safeReportValue(order.OrderCode),
				string(order.Status),
				string(order.PaymentStatus),
				formatReportDateTime(order.CreatedAt),
			)
			pdf.MultiCell(0, 6, headerLine, "", "L", false)

			pdf.SetFont("Arial", "", 10)
			pdf.MultiCell(0, 5, fmt.Sprintf("Total: %s | Method: %s | Table: %s", formatMoney(order.TotalAmount), safeReportValue(order.PaymentMethod), safeReportValue(order.TableID)), "", "L", false)

			for _, item := range order.Items {
				itemLine := fmt.Sprintf(
					"- %dx %s @ %s = %s",
					item.Quantity,
					safeReportValue(item.Name),
					formatMoney(item.Price),
					formatMoney(item.Subtotal),
				)
				pdf.MultiCell(0, 5, itemLine, "", "L", false)
			}

			pdf.CellFormat(0, 1, "", "B", 1, "L", false, 0, "")
			pdf.Ln(1)
		}
	}

	var buffer bytes.Buffer
	if err := pdf.Output(&buffer); err != nil {
		return nil, fmt.Errorf("failed to render PDF: %w", err)
	}

	return buffer.Bytes(), nil
}

func ensurePageSpace(pdf *gofpdf.Fpdf, minSpace float64) {
	_, pageHeight := pdf.GetPageSize()
	leftMargin, _, rightMargin, bottomMargin := pdf.GetMargins()
	usableBottom := pageHeight - bottomMargin
	if pdf.GetY()+minSpace > usableBottom {
		pdf.AddPage()
		pdf.SetX(leftMargin)
		pdf.SetRightMargin(rightMargin)
	}
}

func safeReportValue(value string) string {
	if strings.TrimSpace(value) == "" {
		return "-"
	}
	return value
}

func formatReportDateTime(value time.Time) string {
	return value.Format("02 Jan 2006 15:04")
}

func formatMoney(amount float64) string {
	return fmt.Sprintf("%.2f", amount)
}
