package procscan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTasklistCSV(t *testing.T) {
	out := "\"GameClient.exe\",\"1234\",\"Console\",\"1\",\"154,232 K\"\r\n" +
		"\"GameClient.exe\",\"5678\",\"Console\",\"1\",\"98,004 K\"\r\n"

	procs := ParseTasklistCSV(out)
	require.Len(t, procs, 2)
	assert.Equal(t, Process{PID: 1234, Name: "GameClient.exe"}, procs[0])
	assert.Equal(t, Process{PID: 5678, Name: "GameClient.exe"}, procs[1])
}

func TestParseTasklistCSVNoMatches(t *testing.T) {
	out := "INFO: No tasks are running which match the specified criteria.\r\n"
	assert.Empty(t, ParseTasklistCSV(out))
}

func TestParseTasklistCSVEmpty(t *testing.T) {
	assert.Empty(t, ParseTasklistCSV(""))
}

func TestParseTasklistCSVSkipsMalformedRows(t *testing.T) {
	out := "\"GameClient.exe\",\"notanumber\",\"Console\",\"1\",\"1 K\"\n" +
		"\"GameClient.exe\",\"42\",\"Console\",\"1\",\"1 K\"\n"
	procs := ParseTasklistCSV(out)
	require.Len(t, procs, 1)
	assert.Equal(t, 42, procs[0].PID)
}

func TestParsePgrepOutput(t *testing.T) {
	procs := ParsePgrepOutput("101\n202\n\n", "gameclient")
	require.Len(t, procs, 2)
	assert.Equal(t, Process{PID: 101, Name: "gameclient"}, procs[0])
	assert.Equal(t, Process{PID: 202, Name: "gameclient"}, procs[1])
}

func TestParsePgrepOutputEmpty(t *testing.T) {
	assert.Empty(t, ParsePgrepOutput("", "gameclient"))
}

func TestSplitCSVLine(t *testing.T) {
	fields := splitCSVLine(`"a.exe","12","Console","1","154,232 K"`)
	require.Len(t, fields, 5)
	assert.Equal(t, "a.exe", fields[0])
	assert.Equal(t, "154,232 K", fields[4], "comma inside quotes is not a separator")
}
