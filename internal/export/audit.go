// Package export writes a session's audit trail as an XLSX workbook.
package export

import (
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/govchat/internal/model"
)

// Sheet names in the audit workbook.
const (
	MessagesSheet = "Messages"
	SourcesSheet  = "Sources"
)

var (
	messageHeader = []string{
		"Message ID", "Timestamp", "Question", "Answer", "Trust Score", "Trust Band",
		"Provenance", "Avg Relevance", "Recent Sources", "Sources", "Audit ID", "Trust Factors",
	}
	sourceHeader = []string{
		"Message ID", "Rank", "Source", "Similarity", "Recent", "Preview", "Agency", "API URL", "Source ID",
	}
)

// Workbook builds the audit workbook for msgs. Sources are listed per
// message in descending similarity.
func Workbook(msgs []model.Message) (*xlsx.File, error) {
	f := xlsx.NewFile()

	ms, err := f.AddSheet(MessagesSheet)
	if err != nil {
		return nil, eris.Wrap(err, "export: add messages sheet")
	}
	ss, err := f.AddSheet(SourcesSheet)
	if err != nil {
		return nil, eris.Wrap(err, "export: add sources sheet")
	}

	addStrings(ms.AddRow(), messageHeader)
	addStrings(ss.AddRow(), sourceHeader)

	for _, m := range msgs {
		a := m.Audit
		row := ms.AddRow()
		addStrings(row, []string{m.ID, formatTime(m.Timestamp), m.Question, m.Answer})
		row.AddCell().SetInt(a.TrustScore)
		addStrings(row, []string{string(model.BandFor(a.TrustScore)), string(m.Provenance)})
		row.AddCell().SetInt(model.AverageRelevance(a.Retrieved))
		row.AddCell().SetInt(model.RecentCount(a.Retrieved))
		row.AddCell().SetInt(len(a.Retrieved))
		addStrings(row, []string{a.AuditID, strings.Join(a.TrustFactors, "; ")})

		for i, s := range model.RankSources(a.Retrieved) {
			sr := ss.AddRow()
			sr.AddCell().SetString(m.ID)
			sr.AddCell().SetInt(i + 1)
			sr.AddCell().SetString(s.Source)
			if s.Similarity != nil {
				sr.AddCell().SetFloat(*s.Similarity)
			} else {
				sr.AddCell().SetString("")
			}
			preview := ""
			if s.Preview != nil {
				preview = *s.Preview
			}
			addStrings(sr, []string{strconv.FormatBool(s.RecencyFlag), preview, s.Agency, s.APIURL, s.ID})
		}
	}
	return f, nil
}

// WriteAudit writes the audit workbook for msgs to w.
func WriteAudit(w io.Writer, msgs []model.Message) error {
	f, err := Workbook(msgs)
	if err != nil {
		return err
	}
	if err := f.Write(w); err != nil {
		return eris.Wrap(err, "export: write workbook")
	}
	return nil
}

// SaveAudit writes the audit workbook for msgs to path.
func SaveAudit(path string, msgs []model.Message) error {
	out, err := os.Create(path)
	if err != nil {
		return eris.Wrapf(err, "export: create %s", path)
	}
	if err := WriteAudit(out, msgs); err != nil {
		out.Close() //nolint:errcheck
		return err
	}
	if err := out.Close(); err != nil {
		return eris.Wrapf(err, "export: close %s", path)
	}
	return nil
}

func addStrings(row *xlsx.Row, values []string) {
	for _, v := range values {
		row.AddCell().SetString(v)
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
