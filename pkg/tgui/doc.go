// Package tgui builds chat message text for Telegram's HTML parse mode.
// Every helper escapes its input; values of type H are safe to send as is.
package tgui
