// Package discovery expands an attachment into the files that make it up.
//
// FolderResolver looks next to the original on disk and classifies sibling
// files by name: scaled full size, retina full size, PDF previews and
// WxH resizes with or without an @2x suffix. Resizes are labelled with the
// registered size name for their dimensions when one exists.
package discovery
