package ircsession

import (
	"strings"
	"time"
)

// Frame is one raw IRC line handed off from the session to the Frame
// Parser, tagged the way spec.md §4.2 describes: channel, the time the
// session observed it, IRCv3 tags, the command, and its parameters.
type Frame struct {
	ChannelName string
	ServerTS    time.Time
	Tags        map[string]string
	Prefix      string // e.g. "bob!bob@bob.tmi.twitch.tv"; login is the part before '!'
	Command     string
	Params      []string
	Trailing    string
}

// Login extracts the sending user's login name from Prefix.
func (f Frame) Login() string {
	if i := strings.IndexByte(f.Prefix, '!'); i >= 0 {
		return f.Prefix[:i]
	}
	return f.Prefix
}
