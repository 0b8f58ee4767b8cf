// Package dom is the document model behind a sandbox session: an
// x/net/html tree with CSS (goquery) and XPath (htmlquery) queries,
// charset-aware parsing, and insertion notifications for observers.
package dom
