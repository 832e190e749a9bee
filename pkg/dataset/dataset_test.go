package dataset

import (
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestBranchName(t *testing.T) {
	id := uuid.MustParse("11111111-1111-1111-1111-111111111111")
	assert.Equal(t, fmt.Sprintf("%s-files", id), BranchName(id, "files"))
}

func TestUnionBranchNameIsOrderIndependent(t *testing.T) {
	a := uuid.MustParse("11111111-1111-1111-1111-111111111111")
	b := uuid.MustParse("22222222-2222-2222-2222-222222222222")

	forward := UnionBranchName(a, b, "files")
	backward := UnionBranchName(b, a, "files")
	assert.Equal(t, forward, backward)
	assert.Equal(t, fmt.Sprintf("union-%s-%s-files", a, b), forward)
}

func TestMustTablePanicsOnUnknownName(t *testing.T) {
	assert.Panics(t, func() {
		(&Dataset{}).MustTable("nonexistent")
	})
}
