package ingest

import (
	"strings"

	"github.com/google/uuid"
)

// OutputSuffix marks topics written by a Unit to one of its Output nodes.
const OutputSuffix = "pepeunit"

// Topic is a parsed node topic: <domain>/<unit_node_uuid>[/pepeunit].
type Topic struct {
	Domain   string
	NodeUUID uuid.UUID
	Output   bool
}

// ParseTopic returns false for anything outside the node topic grammar.
func ParseTopic(s string) (Topic, bool) {
	parts := strings.Split(s, "/")
	if len(parts) < 2 || len(parts) > 3 || parts[0] == "" {
		return Topic{}, false
	}
	id, err := uuid.Parse(parts[1])
	if err != nil {
		return Topic{}, false
	}
	t := Topic{Domain: parts[0], NodeUUID: id}
	if len(parts) == 3 {
		if parts[2] != OutputSuffix {
			return Topic{}, false
		}
		t.Output = true
	}
	return t, true
}

func (t Topic) String() string {
	s := t.Domain + "/" + t.NodeUUID.String()
	if t.Output {
		s += "/" + OutputSuffix
	}
	return s
}

// InputTopic is where downstream Input nodes receive relayed values.
func InputTopic(domain string, node uuid.UUID) string {
	return Topic{Domain: domain, NodeUUID: node}.String()
}

// OutputTopic is where a Unit publishes values of an Output node.
func OutputTopic(domain string, node uuid.UUID) string {
	return Topic{Domain: domain, NodeUUID: node, Output: true}.String()
}
