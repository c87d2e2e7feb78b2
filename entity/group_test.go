package entity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/virtfair/bfq/ioprio"
)

func TestGroup_ChildAttachmentAndDetach(t *testing.T) {
	root := NewRootGroup()
	child := NewChildGroup(root, 200)
	assert.Equal(t, root, child.Header.Parent)
	assert.Equal(t, 1, root.children)

	child.Detach()
	assert.Nil(t, child.Header.Parent)
	assert.Equal(t, 0, root.children)
}

func TestGroup_DomainIsPerPriorityClass(t *testing.T) {
	root := NewRootGroup()
	assert.NotSame(t, root.Domain(ioprio.ClassRealTime), root.Domain(ioprio.ClassBestEffort))
	assert.NotSame(t, root.Domain(ioprio.ClassBestEffort), root.Domain(ioprio.ClassIdle))
}
