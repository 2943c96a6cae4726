// Package report renders completed evaluation results as PDF documents
// and extracts plain text from uploaded PDF transcripts.
package report

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/unidoc/unipdf/v3/creator"
	"github.com/unidoc/unipdf/v3/extractor"
	"github.com/unidoc/unipdf/v3/model"

	"convoscore/internal/eval"
	"convoscore/internal/jobs"
)

// ExtractText pulls the text content out of a PDF document so it can be
// evaluated like any markdown transcript. Pages that fail to parse are
// skipped rather than aborting the whole upload.
func ExtractText(data []byte) (string, error) {
	reader, err := model.NewPdfReader(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("failed to read PDF: %w", err)
	}

	numPages, err := reader.GetNumPages()
	if err != nil {
		return "", fmt.Errorf("failed to get page count: %w", err)
	}

	var sb strings.Builder
	for i := 1; i <= numPages; i++ {
		page, err := reader.GetPage(i)
		if err != nil {
			continue
		}
		ex, err := extractor.New(page)
		if err != nil {
			continue
		}
		pageText, err := ex.ExtractText()
		if err != nil {
			continue
		}
		sb.WriteString(pageText)
		sb.WriteString("\n")
	}

	text := strings.TrimSpace(sb.String())
	if text == "" {
		return "", fmt.Errorf("no extractable text in PDF")
	}
	return text, nil
}

// Render produces a PDF report for a completed job. The caller is
// responsible for checking the job actually completed.
func Render(job *jobs.Job) ([]byte, error) {
	if job.Result == nil {
		return nil, fmt.Errorf("job %s has no result", job.ID)
	}
	res := job.Result

	c := creator.New()
	c.SetPageMargins(50, 50, 50, 50)

	helvetica, err := model.NewStandard14Font(model.HelveticaName)
	if err != nil {
		return nil, fmt.Errorf("failed to load font: %w", err)
	}
	helveticaBold, err := model.NewStandard14Font(model.HelveticaBoldName)
	if err != nil {
		return nil, fmt.Errorf("failed to load font: %w", err)
	}

	title := c.NewParagraph("Call Evaluation Report")
	title.SetFont(helveticaBold)
	title.SetFontSize(20)
	title.SetMargins(0, 0, 0, 20)
	if err := c.Draw(title); err != nil {
		return nil, err
	}

	meta := c.NewParagraph(fmt.Sprintf(
		"Staff: %s\nDate: %s\nOverall Score: %d / 100\nPerformance Level: %s",
		res.StaffName, res.Date, res.OverallScore, res.PerformanceLevel))
	meta.SetFont(helvetica)
	meta.SetFontSize(11)
	meta.SetLineHeight(1.4)
	meta.SetMargins(0, 0, 0, 20)
	if err := c.Draw(meta); err != nil {
		return nil, err
	}

	if err := drawCriteriaTable(c, helvetica, helveticaBold, res.CriteriaScores); err != nil {
		return nil, err
	}

	sections := []struct {
		heading string
		items   []string
	}{
		{"Strengths", res.Strengths},
		{"Areas for Improvement", res.AreasForImprovement},
		{"Key Recommendations", res.KeyRecommendations},
	}
	for _, sec := range sections {
		if err := drawList(c, helvetica, helveticaBold, sec.heading, sec.items); err != nil {
			return nil, err
		}
	}

	var buf bytes.Buffer
	if err := c.Write(&buf); err != nil {
		return nil, fmt.Errorf("failed to write PDF: %w", err)
	}
	return buf.Bytes(), nil
}

func drawCriteriaTable(c *creator.Creator, regular, bold *model.PdfFont, scores []eval.CriterionScore) error {
	table := c.NewTable(4)
	if err := table.SetColumnWidths(0.45, 0.15, 0.15, 0.25); err != nil {
		return err
	}
	table.SetMargins(0, 0, 0, 20)

	addCell := func(text string, font *model.PdfFont) {
		p := c.NewParagraph(text)
		p.SetFont(font)
		p.SetFontSize(10)
		cell := table.NewCell()
		cell.SetBorder(creator.CellBorderSideAll, creator.CellBorderStyleSingle, 1)
		cell.SetContent(p)
	}

	for _, h := range []string{"Criterion", "Weight", "Score", "Weighted"} {
		addCell(h, bold)
	}
	for _, cs := range scores {
		addCell(cs.Criterion, regular)
		addCell(fmt.Sprintf("%.0f", cs.Weight), regular)
		addCell(fmt.Sprintf("%.0f / 5", cs.Score), regular)
		addCell(fmt.Sprintf("%.1f", cs.WeightedScore), regular)
	}
	return c.Draw(table)
}

func drawList(c *creator.Creator, regular, bold *model.PdfFont, heading string, items []string) error {
	h := c.NewParagraph(heading)
	h.SetFont(bold)
	h.SetFontSize(13)
	h.SetMargins(0, 0, 0, 6)
	if err := c.Draw(h); err != nil {
		return err
	}
	for _, item := range items {
		p := c.NewParagraph("• " + item)
		p.SetFont(regular)
		p.SetFontSize(10)
		p.SetMargins(10, 0, 0, 4)
		if err := c.Draw(p); err != nil {
			return err
		}
	}
	spacer := c.NewParagraph(" ")
	spacer.SetMargins(0, 0, 0, 10)
	return c.Draw(spacer)
}
