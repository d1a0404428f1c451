package notifier

import (
	"html"
	"strconv"
	"strings"
)

const placeholder = "N/A"

// Compose renders the Telegram HTML body for role. Values are escaped.
func Compose(p Payload, role Role) string {
	id := placeholder
	if p.ID > 0 {
		id = strconv.FormatInt(p.ID, 10)
	}

	var b strings.Builder
	b.WriteString("🔔 <b>Defect notification</b>\n")
	line(&b, "ID", id)
	line(&b, "Equipment", field(p.Equipment))
	line(&b, "Section", field(p.Section))
	line(&b, "Description", field(p.Description))
	line(&b, "Danger level", field(p.DangerLevel))

	switch role {
	case RoleExecutor:
		b.WriteString("<i>You have been assigned as executor.</i>")
	default:
		b.WriteString("<i>You have been assigned as responsible.</i>")
	}
	return b.String()
}

func field(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return placeholder
	}
	return html.EscapeString(s)
}

func line(b *strings.Builder, label, value string) {
	b.WriteString("<b>")
	b.WriteString(label)
	b.WriteString(":</b> ")
	b.WriteString(value)
	b.WriteByte('\n')
}
