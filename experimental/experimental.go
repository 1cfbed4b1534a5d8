// Package experimental includes features we aren't yet sure about, such as function listeners.
//
// Note: All features here may be changed or deleted at any time, so use with caution!
package experimental
