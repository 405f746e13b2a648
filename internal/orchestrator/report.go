package orchestrator

import (
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/sells-group/market-intel/internal/model"
)

var sectionTitler = cases.Title(language.English)

// sectionTitle turns a module name into a human-readable section heading,
// e.g. "competitive_landscape" -> "Competitive Landscape".
func sectionTitle(module string) string {
	return sectionTitler.String(strings.ReplaceAll(module, "_", " "))
}

// buildReport assembles the final report from completed synthesis outputs,
// in plan declaration order. A non-empty summary (produced by an AI-capable
// render module) becomes the leading section.
func buildReport(st *sessionRun, renderModule, summary string, minChars int) *model.Report {
	report := &model.Report{
		SessionID:   st.id,
		GeneratedAt: time.Now().UTC(),
	}

	if summary != "" {
		report.Sections = append(report.Sections, model.ReportSection{
			Module:  renderModule,
			Title:   "Executive Summary",
			Content: summary,
		})
	}

	for _, name := range st.g.modulesInPhase(model.PhaseSynthesize) {
		if st.status[name] != model.ModuleStatusDone {
			continue
		}
		content := st.synth[name]
		if content == "" {
			continue
		}
		report.Sections = append(report.Sections, model.ReportSection{
			Module:  name,
			Title:   sectionTitle(name),
			Content: content,
		})
	}

	for _, s := range report.Sections {
		report.TotalChars += len(s.Content)
	}
	report.MinLengthOK = report.TotalChars >= minChars
	return report
}
