package research

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
)

// Intent is how a reply to a schema proposal is read.
type Intent int

const (
	// IntentModify asks for changes, or is not clearly an approval.
	IntentModify Intent = iota
	// IntentConfirm approves the proposal.
	IntentConfirm
)

func (i Intent) String() string {
	if i == IntentConfirm {
		return "confirm"
	}
	return "modify"
}

var affirmativeWords = wordSet(
	"yes", "yep", "yeah", "yup", "ok", "okay", "sure", "confirm", "confirmed",
	"agree", "agreed", "approve", "approved", "correct", "fine", "good", "great",
	"perfect", "proceed", "go", "start", "lgtm",
	"да", "ага", "ок", "окей", "угу", "согласен", "согласна", "подтверждаю",
	"подходит", "хорошо", "отлично", "верно", "давай", "начинай", "поехали", "годится",
)

// negativeWords mark a reply as a change request even when it also
// contains an affirmative word ("yes, but add weight").
var negativeWords = wordSet(
	"no", "not", "nope", "dont", "doesnt", "isnt", "cant", "never",
	"change", "add", "remove", "drop", "replace", "instead", "but", "except",
	"without", "modify", "edit", "update", "wait", "also", "more", "less",
	"нет", "не", "неа", "измени", "изменить", "поменяй", "поменять", "добавь",
	"добавить", "убери", "убрать", "удали", "замени", "заменить", "вместо", "но",
	"кроме", "без", "еще", "подожди",
)

// Classify reads a reply to a schema proposal. It is a confirmation only
// when an affirmative word is present and no negation or change word is.
func Classify(text string) Intent {
	affirmative := false
	for _, w := range words(text) {
		if negativeWords[w] {
			return IntentModify
		}
		if affirmativeWords[w] {
			affirmative = true
		}
	}
	if affirmative {
		return IntentConfirm
	}
	return IntentModify
}

// words folds case, drops apostrophes and splits on anything that is not a
// letter or digit.
func words(text string) []string {
	folded := cases.Fold().String(text)
	folded = strings.NewReplacer("'", "", "’", "", "ё", "е").Replace(folded)
	return strings.FieldsFunc(folded, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func wordSet(words ...string) map[string]bool {
	m := make(map[string]bool, len(words))
	for _, w := range words {
		m[w] = true
	}
	return m
}
