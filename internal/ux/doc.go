// Package ux renders the plain status lines dpipe prints before each
// pipeline step. Styling is applied through a lipgloss renderer bound to the
// output writer, so redirected output and CI logs stay uncoloured.
package ux
