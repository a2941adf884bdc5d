package fuse

import (
	"github.com/hanwen/go-fuse/v2/fs"
)

// Ensure the nodes implement the operations the mount relies on
var _ fs.NodeStatfser = (*DirNode)(nil)
var _ fs.NodeGetattrer = (*DirNode)(nil)
var _ fs.NodeReaddirer = (*DirNode)(nil)
var _ fs.NodeLookuper = (*DirNode)(nil)
var _ fs.NodeCreater = (*DirNode)(nil)
var _ fs.NodeMkdirer = (*DirNode)(nil)
var _ fs.NodeRmdirer = (*DirNode)(nil)
var _ fs.NodeUnlinker = (*DirNode)(nil)
var _ fs.NodeOnAdder = (*DirNode)(nil)

var _ fs.NodeGetattrer = (*FileNode)(nil)
var _ fs.NodeOpener = (*FileNode)(nil)
var _ fs.NodeSetattrer = (*FileNode)(nil)
