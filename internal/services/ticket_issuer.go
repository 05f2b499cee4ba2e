package services

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/khahhy/AdvWeb-BusTicketBooking-sub001/internal/config"
	"github.com/khahhy/AdvWeb-BusTicketBooking-sub001/internal/models"
	"github.com/phpdave11/gofpdf"
	"github.com/sirupsen/logrus"
)

// TicketIssuer produces a ticket for a confirmed booking and returns its code
type TicketIssuer interface {
	Issue(ctx context.Context, booking *models.Booking) (string, error)
}

// PDFTicketIssuer renders one A4 e-ticket per booking to the output directory
type PDFTicketIssuer struct {
	outputDir string
	company   string
	logger    *logrus.Logger
}

// NewPDFTicketIssuer creates a new PDFTicketIssuer
func NewPDFTicketIssuer(cfg config.TicketConfig, logger *logrus.Logger) *PDFTicketIssuer {
	return &PDFTicketIssuer{
		outputDir: cfg.OutputDir,
		company:   cfg.CompanyName,
		logger:    logger,
	}
}

// NewTicketCode returns "BT-" followed by 10 uppercase hex characters
func NewTicketCode() (string, error) {
	b := make([]byte, 5)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate ticket code: %w", err)
	}
	return "BT-" + strings.ToUpper(hex.EncodeToString(b)), nil
}

// Issue renders the e-ticket and writes it as <code>.pdf
func (i *PDFTicketIssuer) Issue(ctx context.Context, booking *models.Booking) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	code, err := NewTicketCode()
	if err != nil {
		return "", fmt.Errorf("%w: %v", models.ErrTicketIssuance, err)
	}

	body, err := i.render(code, booking)
	if err != nil {
		return "", fmt.Errorf("%w: render: %v", models.ErrTicketIssuance, err)
	}

	if err := os.MkdirAll(i.outputDir, 0o755); err != nil {
		return "", fmt.Errorf("%w: mkdir %s: %v", models.ErrTicketIssuance, i.outputDir, err)
	}
	path := filepath.Join(i.outputDir, code+".pdf")
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("%w: write %s: %v", models.ErrTicketIssuance, path, err)
	}

	i.logger.WithFields(logrus.Fields{
		"booking_id":  booking.ID,
		"ticket_code": code,
		"path":        path,
	}).Info("E-ticket issued")

	return code, nil
}

func (i *PDFTicketIssuer) render(code string, b *models.Booking) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	pdf.SetTitle("E-Ticket "+code, false)
	pdf.SetAuthor(i.company, false)
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 18)
	pdf.Cell(0, 10, tr(i.company))
	pdf.Ln(10)
	pdf.SetFont("Helvetica", "B", 14)
	pdf.Cell(0, 8, "E-TICKET  "+code)
	pdf.Ln(12)

	lines := []string{
		"Booking     : " + b.ID.String(),
		"Trip        : " + b.TripID,
		"Seat        : " + b.SeatNumber,
		"Passenger   : " + b.CustomerName,
		"Phone       : " + b.CustomerPhone,
		"Email       : " + b.CustomerEmail,
		fmt.Sprintf("Price       : %.0f", b.Price),
		"Issued at   : " + time.Now().Format("2006-01-02 15:04"),
	}
	if b.RouteID != "" {
		lines = append(lines[:2], append([]string{"Route       : " + b.RouteID}, lines[2:]...)...)
	}

	pdf.SetFont("Helvetica", "", 12)
	for _, line := range lines {
		pdf.Cell(0, 7, tr(line))
		pdf.Ln(7)
	}

	pdf.Ln(6)
	pdf.SetFont("Helvetica", "I", 10)
	pdf.MultiCell(0, 6, "This e-ticket is valid for one passenger and one seat. Present it with your ID when boarding.", "", "", false)

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
