package minutes

import (
	"fmt"
	"strings"
	"time"

	"meeting-jobcore/internal/models"
)

// DocumentContentType is the MIME type of Render's output.
const DocumentContentType = "text/markdown; charset=utf-8"

// DocumentKey is the archive key for a meeting's minutes.
func DocumentKey(meetingID string) string {
	return fmt.Sprintf("meetings/%s/minutes.md", meetingID)
}

// Render produces the archived minutes document.
func Render(m models.Meeting, generatedAt time.Time) ([]byte, error) {
	if m.Minutes == nil || strings.TrimSpace(*m.Minutes) == "" {
		return nil, fmt.Errorf("meeting %s has no minutes", m.ID)
	}
	title := m.Title
	if title == "" {
		title = "Meeting " + m.ID
	}
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", title)
	if m.OrganizerEmail != "" {
		fmt.Fprintf(&b, "Organizer: %s\n", m.OrganizerEmail)
	}
	if m.RecordingURL != nil && *m.RecordingURL != "" {
		fmt.Fprintf(&b, "Recording: %s\n", *m.RecordingURL)
	}
	fmt.Fprintf(&b, "Generated: %s\n\n", generatedAt.UTC().Format(time.RFC3339))
	b.WriteString(strings.TrimSpace(*m.Minutes))
	b.WriteString("\n")
	return []byte(b.String()), nil
}
