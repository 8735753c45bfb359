package memory

import (
	"strings"
)

// Section is one "## Heading" block of a memory document.
type Section struct {
	Name string
	Body string
}

// Document is a parsed MEMORY.md. Only level-two headings split sections;
// deeper headings stay inside section bodies.
type Document struct {
	Title    string
	Preamble string
	Sections []Section
}

// DefaultSections are created in every new memory document.
var DefaultSections = []string{"Context", "Key Decisions", DefaultSection}

// NewDocument returns an empty memory document for an agent.
func NewDocument(agentName string) *Document {
	d := &Document{Title: "Memory: " + agentName}
	for _, s := range DefaultSections {
		d.Sections = append(d.Sections, Section{Name: s})
	}
	return d
}

// ParseDocument parses markdown into a Document. It never fails; text
// without headings becomes the preamble.
func ParseDocument(text string) *Document {
	d := &Document{}
	var pre []string
	var cur *Section
	var body []string
	closeSection := func() {
		if cur != nil {
			cur.Body = strings.TrimSpace(strings.Join(body, "\n"))
			d.Sections = append(d.Sections, *cur)
		}
		body = nil
	}
	for _, line := range strings.Split(strings.ReplaceAll(text, "\r\n", "\n"), "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "## "):
			closeSection()
			cur = &Section{Name: strings.TrimSpace(strings.TrimPrefix(trimmed, "## "))}
		case cur == nil && d.Title == "" && strings.HasPrefix(trimmed, "# "):
			d.Title = strings.TrimSpace(strings.TrimPrefix(trimmed, "# "))
		case cur == nil:
			pre = append(pre, line)
		default:
			body = append(body, line)
		}
	}
	closeSection()
	d.Preamble = strings.TrimSpace(strings.Join(pre, "\n"))
	return d
}

// SectionNames returns the section headings in order.
func (d *Document) SectionNames() []string {
	names := make([]string, 0, len(d.Sections))
	for _, s := range d.Sections {
		names = append(names, s.Name)
	}
	return names
}

// Section returns the named section (case-insensitive).
func (d *Document) Section(name string) (Section, bool) {
	if i := d.index(name); i >= 0 {
		return d.Sections[i], true
	}
	return Section{}, false
}

func (d *Document) index(name string) int {
	for i, s := range d.Sections {
		if strings.EqualFold(s.Name, strings.TrimSpace(name)) {
			return i
		}
	}
	return -1
}

// Append adds content to the end of a section, creating the section when
// it does not exist.
func (d *Document) Append(section, content string) {
	content = strings.TrimSpace(content)
	if content == "" {
		return
	}
	if strings.TrimSpace(section) == "" {
		section = DefaultSection
	}
	i := d.index(section)
	if i < 0 {
		d.Sections = append(d.Sections, Section{Name: strings.TrimSpace(section), Body: content})
		return
	}
	if d.Sections[i].Body == "" {
		d.Sections[i].Body = content
		return
	}
	d.Sections[i].Body += "\n\n" + content
}

// Replace overwrites a section body, creating the section when needed.
func (d *Document) Replace(section, content string) {
	i := d.index(section)
	if i < 0 {
		d.Sections = append(d.Sections, Section{Name: strings.TrimSpace(section), Body: strings.TrimSpace(content)})
		return
	}
	d.Sections[i].Body = strings.TrimSpace(content)
}

// Apply appends every update and returns how many carried content.
func (d *Document) Apply(updates []Update) int {
	n := 0
	for _, u := range updates {
		if strings.TrimSpace(u.Content) == "" {
			continue
		}
		d.Append(u.Section, u.Content)
		n++
	}
	return n
}

// String renders the document as markdown.
func (d *Document) String() string {
	var b strings.Builder
	if d.Title != "" {
		b.WriteString("# " + d.Title + "\n\n")
	}
	if d.Preamble != "" {
		b.WriteString(d.Preamble + "\n\n")
	}
	for _, s := range d.Sections {
		b.WriteString("## " + s.Name + "\n\n")
		if s.Body != "" {
			b.WriteString(s.Body + "\n\n")
		}
	}
	return strings.TrimRight(b.String(), "\n") + "\n"
}
