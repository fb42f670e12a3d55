package outlook

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursorRoundTrip(t *testing.T) {
	links := map[string]string{
		folderInbox: "https://graph.microsoft.com/v1.0/delta?$deltatoken=in1",
		folderSent:  "https://graph.microsoft.com/v1.0/delta?$deltatoken=sent1",
	}
	encoded := encodeCursor(links)
	require.NotEmpty(t, encoded)
	assert.Equal(t, links, decodeCursor(encoded))
}

func TestDecodeCursorBareInboxLink(t *testing.T) {
	// Cursors stored before per-folder tracking held the inbox delta link
	// directly.
	link := "https://graph.microsoft.com/v1.0/me/mailFolders/inbox/messages/delta?$deltatoken=abc"
	assert.Equal(t, map[string]string{folderInbox: link}, decodeCursor(link))
}

func TestDecodeCursorEmpty(t *testing.T) {
	assert.Empty(t, decodeCursor(""))
}

func TestDeltaFoldersTrackSentMail(t *testing.T) {
	// Outgoing mail drives activity logging; the sent folder must stay in
	// the incremental set.
	assert.Contains(t, deltaFolders, folderSent)
	assert.Contains(t, deltaFolders, folderInbox)
}
