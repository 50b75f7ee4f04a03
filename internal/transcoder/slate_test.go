package transcoder

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEscapeDrawtextEscapesSpecialChars(t *testing.T) {
	require.Equal(t, `no special chars`, escapeDrawtext("no special chars"))
	require.Equal(t, `It\'s`, escapeDrawtext("It's"))
	require.Equal(t, `12\:00`, escapeDrawtext("12:00"))
	require.Equal(t, `back\\slash`, escapeDrawtext(`back\slash`))
	require.Equal(t, `combo \' \: \\`, escapeDrawtext(`combo ' : \`))
}

func TestNewSlateGeneratorDefaultsFFmpegPath(t *testing.T) {
	g := NewSlateGenerator("")
	require.Equal(t, "ffmpeg", g.ffmpegPath)

	g2 := NewSlateGenerator("/usr/local/bin/ffmpeg")
	require.Equal(t, "/usr/local/bin/ffmpeg", g2.ffmpegPath)
}
