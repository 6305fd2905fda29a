// Package indexer walks the media directory and maintains the attachments
// table: one row per uploaded original.
//
// Each directory is read once. A file whose name follows the derivative
// scheme (name-WxH.ext, name@2x.ext, name-WxH@2x.ext, name-scaled.ext,
// name-pdf.jpg) is treated as a derivative only when its original sits next
// to it; otherwise it is an original in its own right. Originals have their
// content sniffed, and files whose bytes disagree with their extension are
// left out.
//
// The indexer operates in two modes:
//   - On demand: the start command indexes before scanning
//   - Periodic: serve mode re-indexes on an interval
//
// Attachments whose files disappeared are removed after each walk. Hidden
// files and directories (prefixed with '.') are excluded.
package indexer
