package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHashBytes(t *testing.T) {
	assert.Equal(t,
		"e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		HashBytes(nil))
	assert.NotEqual(t, HashBytes([]byte("report")), HashBytes([]byte("report ")))
}

func TestSplitList(t *testing.T) {
	assert.Equal(t,
		[]string{"https://es1:9200", "https://es2:9200"},
		SplitList(" https://es1:9200, ,https://es2:9200,https://es1:9200"))
	assert.Empty(t, SplitList(""))
}
