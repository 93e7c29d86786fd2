package compensation

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/ehr/mhehr/internal/platform/blobstore"
)

const exportCategory = "payroll_export"

var exportHeader = []string{
	"calculation_id", "provider_id", "pay_period_start", "pay_period_end", "compensation_type", "status",
	"session_count", "paid_session_count", "withheld_count", "session_amount",
	"regular_hours", "overtime_hours", "hourly_amount", "total_amount",
}

func money(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}

// writePayrollCSV renders calcs in exportHeader column order.
func writePayrollCSV(w io.Writer, calcs []*PaymentCalculation) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(exportHeader); err != nil {
		return err
	}
	for _, c := range calcs {
		rec := []string{
			c.ID.String(),
			c.ProviderID.String(),
			c.PayPeriodStart.Format(time.DateOnly),
			c.PayPeriodEnd.Format(time.DateOnly),
			c.CompensationType,
			c.Status,
			strconv.Itoa(c.SessionCount),
			strconv.Itoa(c.PaidSessionCount),
			strconv.Itoa(c.WithheldCount),
			money(c.SessionAmount),
			money(c.RegularHours),
			money(c.OvertimeHours),
			money(c.HourlyAmount),
			money(c.TotalAmount),
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ExportPeriod writes a CSV of every non-void calculation in the period
// containing at to blob storage and records the export.
func (s *Service) ExportPeriod(ctx context.Context, at time.Time, createdBy string) (*PayrollExport, error) {
	period := PayPeriodFor(at, s.loc)
	calcs, err := s.calcs.ListByPeriod(ctx, period.Start)
	if err != nil {
		return nil, fmt.Errorf("list calculations: %w", err)
	}
	if len(calcs) == 0 {
		return nil, fmt.Errorf("%w: no calculations for pay period %s", ErrNotFound, period.Key())
	}

	var buf bytes.Buffer
	if err := writePayrollCSV(&buf, calcs); err != nil {
		return nil, fmt.Errorf("render payroll csv: %w", err)
	}
	var total float64
	for _, c := range calcs {
		total += c.TotalAmount
	}

	meta, err := s.blobs.Upload(ctx, blobstore.BlobMetadata{
		FileName:    fmt.Sprintf("payroll-%s.csv", period.Key()),
		ContentType: "text/csv",
		Category:    exportCategory,
		CreatedBy:   createdBy,
		Tags:        map[string]string{"pay_period": period.Key()},
	}, &buf)
	if err != nil {
		return nil, fmt.Errorf("upload payroll export: %w", err)
	}

	exp := &PayrollExport{
		ID:               meta.ID,
		PayPeriodStart:   period.Start,
		FileName:         meta.FileName,
		Size:             meta.Size,
		Hash:             meta.Hash,
		CalculationCount: len(calcs),
		TotalAmount:      round2(total),
		CreatedBy:        createdBy,
		CreatedAt:        meta.CreatedAt,
	}
	if err := s.exports.Create(ctx, exp); err != nil {
		if derr := s.blobs.Delete(ctx, meta.ID); derr != nil {
			s.logger.Warn().Err(derr).Str("blob_id", meta.ID).Msg("orphaned payroll export blob")
		}
		return nil, fmt.Errorf("record payroll export: %w", err)
	}
	s.logger.Info().Str("export_id", exp.ID).Str("pay_period", period.Key()).
		Int("calculations", exp.CalculationCount).Msg("payroll exported")
	return exp, nil
}

// DownloadExport opens a previously written export. The caller closes the reader.
func (s *Service) DownloadExport(ctx context.Context, id string) (io.ReadCloser, *PayrollExport, error) {
	exp, err := s.exports.GetByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	rc, _, err := s.blobs.Download(ctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("download payroll export: %w", err)
	}
	return rc, exp, nil
}

func (s *Service) ListExports(ctx context.Context, limit, offset int) ([]*PayrollExport, int, error) {
	return s.exports.List(ctx, limit, offset)
}
