package notify

import "strings"

// ToMrkdwn converts the report's Markdown subset into Slack mrkdwn: headings
// become bold lines and **bold** becomes *bold*.
func ToMrkdwn(md string) string {
	lines := strings.Split(md, "\n")
	for i, line := range lines {
		switch {
		case strings.HasPrefix(line, "# "):
			lines[i] = "*" + line[2:] + "*"
		case strings.HasPrefix(line, "## "):
			lines[i] = "*" + line[3:] + "*"
		case strings.HasPrefix(line, "### "):
			lines[i] = "*" + line[4:] + "*"
		default:
			lines[i] = strings.ReplaceAll(line, "**", "*")
		}
	}
	return strings.Join(lines, "\n")
}
