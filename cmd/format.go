package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/sells-group/govchat/internal/model"
)

// formatMessage prints an answer followed by its trust summary.
func formatMessage(w io.Writer, m *model.Message, showSources bool) {
	fmt.Fprintln(w, m.Answer)
	fmt.Fprintln(w)

	a := m.Audit
	line := fmt.Sprintf("Trust: %d%% (%s) | Sources: %d | Avg relevance: %d%% | Recent: %d",
		a.TrustScore, model.BandFor(a.TrustScore), len(a.Retrieved),
		model.AverageRelevance(a.Retrieved), model.RecentCount(a.Retrieved))
	switch m.Provenance {
	case model.ProvenanceFallback:
		line += " | offline answer"
	case model.ProvenanceRejected:
		line += " | unrecognized backend response"
	}
	fmt.Fprintln(w, line)

	if showSources && len(a.Retrieved) > 0 {
		formatSources(w, a.Retrieved)
	}
}

// formatSources prints sources in descending similarity.
func formatSources(w io.Writer, sources []model.RetrievedSource) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "#\tSOURCE\tSIMILARITY\tRECENT\tAGENCY")
	for i, s := range model.RankSources(sources) {
		sim := "-"
		if s.Similarity != nil {
			sim = strconv.Itoa(int(*s.Similarity*100+0.5)) + "%"
		}
		recent := ""
		if s.RecencyFlag {
			recent = "yes"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", i+1, s.Source, sim, recent, s.Agency)
	}
	tw.Flush() //nolint:errcheck
}

// formatFiles prints the tracked files.
func formatFiles(w io.Writer, files []model.UploadedFile) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSIZE\tSTATUS\tERROR")
	for _, f := range files {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", shortID(f.ID), f.Name, model.FormatFileSize(f.Size), f.Status, f.Error)
	}
	tw.Flush() //nolint:errcheck
}

// formatIndexStatus prints the backend index status.
func formatIndexStatus(w io.Writer, st model.IndexStatus) {
	built := "no"
	if st.IsBuilt {
		built = "yes"
	}
	updated := "never"
	if st.LastUpdated != nil {
		updated = st.LastUpdated.Local().Format(time.DateTime)
	}
	fmt.Fprintf(w, "Built: %s\nDocuments: %d\nLast updated: %s\n", built, st.DocumentCount, updated)
	if st.Provenance == model.ProvenanceFallback {
		fmt.Fprintln(w, "(backend unreachable; showing offline status)")
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// parseSetting applies one key=value assignment to s.
func parseSetting(s *model.ChatSettings, kv string) error {
	key, val, ok := strings.Cut(kv, "=")
	if !ok {
		return fmt.Errorf("expected key=value, got %q", kv)
	}
	key = strings.TrimSpace(key)
	val = strings.TrimSpace(val)

	atoi := func() (int, error) {
		n, err := strconv.Atoi(val)
		if err != nil {
			return 0, fmt.Errorf("%s: %q is not an integer", key, val)
		}
		return n, nil
	}

	var err error
	switch key {
	case "use_openai":
		s.UseOpenAI, err = strconv.ParseBool(val)
		if err != nil {
			return fmt.Errorf("%s: %q is not a boolean", key, val)
		}
	case "top_k":
		s.TopK, err = atoi()
	case "chunk_size":
		s.ChunkSize, err = atoi()
	case "chunk_overlap":
		s.ChunkOverlap, err = atoi()
	case "model_name":
		s.ModelName = val
	case "embed_model":
		s.EmbedModel = val
	default:
		return fmt.Errorf("unknown setting %q", key)
	}
	return err
}
