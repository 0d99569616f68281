package entry

import "fmt"

// Zero is the placeholder text displayed in place of an empty value.
const Zero = "0"

// Valid reports whether text satisfies the display invariant: ASCII digits
// only, non-empty, no leading zero unless the value is exactly "0".
func Valid(text string) bool {
	if text == "" {
		return false
	}
	for i := 0; i < len(text); i++ {
		if text[i] < '0' || text[i] > '9' {
			return false
		}
	}
	return text == Zero || text[0] != '0'
}

// ApplyAppend returns the candidate text produced by appending digit at the
// tail of current. Appending to the placeholder replaces it, so "0" followed
// by '7' yields "7", not "07". The result always satisfies the display
// invariant when current does.
//
// digit must be an ASCII digit; anything else panics. Whether the candidate
// actually becomes visible is the validation gate's concern, not this
// function's.
func ApplyAppend(current string, digit byte) string {
	mustDigit(digit)
	if current == Zero {
		return string(rune(digit))
	}
	return current + string(rune(digit))
}

// ApplyDelete returns the candidate text produced by removing the last
// character of current. An emptied value normalizes back to the placeholder,
// so deleting the only digit yields "0", and deleting from "0" yields "0"
// again. The no-op candidate still flows through the validation gate like
// any other.
func ApplyDelete(current string) string {
	if len(current) <= 1 {
		return Zero
	}
	return current[:len(current)-1]
}

// mustDigit enforces the digit contract. Hosts wire the control to numeric
// key sets only, so a non-digit here is a programming error, not an input
// error.
func mustDigit(digit byte) {
	if digit < '0' || digit > '9' {
		panic(fmt.Sprintf("entry: non-digit input %q", rune(digit)))
	}
}
