package dispatch

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
)

const (
	// DefaultSendTemplate reads the snapshot device of a volume
	DefaultSendTemplate = `dd if={{.Device}} bs=4M status=none`
	// DefaultReceiveTemplate writes a volume onto its device
	DefaultReceiveTemplate = `dd of={{.Device}} bs=4M status=none conv=fsync`
)

// CommandData is available to the command templates
type CommandData struct {
	Resource        string
	Snapshot        string
	BasedOn         string
	Incremental     bool
	Volume          int
	Device          string
	Node            string
	RenameStorPools map[string]string
}

// Templates renders the per volume transfer commands
type Templates struct {
	send    *template.Template
	receive *template.Template
}

// ParseTemplates parses the send and receive command templates. Empty
// templates fall back to the defaults.
func ParseTemplates(send, receive string) (*Templates, error) {
	if strings.TrimSpace(send) == "" {
		send = DefaultSendTemplate
	}
	if strings.TrimSpace(receive) == "" {
		receive = DefaultReceiveTemplate
	}

	st, err := template.New("send").Option("missingkey=error").Parse(send)
	if err != nil {
		return nil, fmt.Errorf("invalid send template: %w", err)
	}
	rt, err := template.New("receive").Option("missingkey=error").Parse(receive)
	if err != nil {
		return nil, fmt.Errorf("invalid receive template: %w", err)
	}
	return &Templates{send: st, receive: rt}, nil
}

// Send renders the command writing a volume to stdout
func (t *Templates) Send(data CommandData) (string, error) {
	return render(t.send, data)
}

// Receive renders the command reading a volume from stdin
func (t *Templates) Receive(data CommandData) (string, error) {
	return render(t.receive, data)
}

func render(tmpl *template.Template, data CommandData) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render %s command: %w", tmpl.Name(), err)
	}
	cmd := strings.TrimSpace(buf.String())
	if cmd == "" {
		return "", fmt.Errorf("%s command is empty", tmpl.Name())
	}
	return cmd, nil
}

// devicePath returns the block device of a volume
func devicePath(rsc string, volNr int, configured string) string {
	if configured != "" {
		return configured
	}
	return fmt.Sprintf("/dev/drbd/by-res/%s/%d", rsc, volNr)
}
