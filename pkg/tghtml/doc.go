// Package tghtml provides small helpers for Telegram's HTML parse mode:
//   - tag wrappers for already-marked-up inner text
//   - name escaping (only &, < and >)
//   - rune-safe truncation for log previews
package tghtml
