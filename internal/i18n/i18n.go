// Package i18n holds the SMS reply templates and language resolution.
package i18n

import (
	"sort"
	"strings"

	"golang.org/x/text/language"
)

// Baseline is the language every missing translation falls back to.
const Baseline = "en"

// Reply template keys.
const (
	KeyWelcome               = "welcome"
	KeyInvalidCommand        = "invalid_command"
	KeyMenu                  = "menu"
	KeyFutureCreated         = "future_created"
	KeyInsufficientFunds     = "insufficient_funds"
	KeyInvalidCrop           = "invalid_crop"
	KeyInvalidNumbers        = "invalid_numbers"
	KeyInvalidBuyFormat      = "invalid_buy_format"
	KeyQuantityOutOfRange    = "quantity_out_of_range"
	KeyExposureLimit         = "exposure_limit"
	KeyRegistrationFormat    = "registration_format"
	KeyRegistrationError     = "registration_error"
	KeyPriceCheck            = "price_check"
	KeyBalanceCheck          = "balance_check"
	KeyBalanceError          = "balance_error"
	KeyNoWallet              = "no_wallet"
	KeyBuyError              = "buy_error"
	KeyInvalidExerciseFormat = "invalid_exercise_format"
	KeyInvalidFutureID       = "invalid_future_id"
	KeyInvalidFuture         = "invalid_future"
	KeyCannotExercise        = "cannot_exercise"
	KeyExerciseSuccess       = "exercise_success"
	KeyExerciseError         = "exercise_error"
	KeyPriceError            = "price_error"
	KeyServiceError          = "service_error"
)

var templates = map[string]map[string]string{
	"en": {
		KeyWelcome:        "Welcome to AgriFutures! Your account has been created. Send 'menu' to see available commands.",
		KeyInvalidCommand: "Invalid command. Send 'menu' to see available commands.",
		KeyMenu: "Available commands:\n" +
			"1. menu - Show available commands\n" +
			"2. price [crop] - Check crop price\n" +
			"3. buy [crop] [kg] [price] - Buy protection\n" +
			"4. sell [id] - Exercise your protection\n" +
			"5. balance - Check your balance",
		KeyFutureCreated:         "Future #{id} created: {quantity} kg of {crop} at {strike_price}/kg. Premium paid: {premium} {currency}",
		KeyInsufficientFunds:     "Insufficient funds in your wallet.",
		KeyInvalidCrop:           "Invalid crop name. Available crops: {crops}",
		KeyInvalidNumbers:        "Invalid quantity or price. Please enter valid numbers.",
		KeyInvalidBuyFormat:      "Invalid format. Use: buy [crop] [quantity] [strike_price]",
		KeyQuantityOutOfRange:    "Quantity must be between {min} and {max} kg.",
		KeyExposureLimit:         "Contract limit reached for {crop}. Please try a smaller quantity later.",
		KeyRegistrationFormat:    "To register, send: register [name] [location] [crop] [farm_size]",
		KeyRegistrationError:     "Sorry, registration failed. Please try again or contact support.",
		KeyPriceCheck:            "Current price for {crop}: {price} {currency}/kg",
		KeyBalanceCheck:          "Your current balance is: {balance} {currency}. Active contracts: {active}",
		KeyBalanceError:          "Error checking balance. Please try again.",
		KeyNoWallet:              "No wallet found. Please contact support.",
		KeyBuyError:              "Sorry, there was an error creating your futures contract. Please try again.",
		KeyInvalidExerciseFormat: "Invalid format. Use: sell [future_id]",
		KeyInvalidFutureID:       "Invalid future ID. Please provide a valid number.",
		KeyInvalidFuture:         "No active future contract found with that ID.",
		KeyCannotExercise:        "Cannot exercise: current price is not below strike price.",
		KeyExerciseSuccess:       "Future exercised successfully! Payout: {payout} {currency} for {quantity} kg of {crop}. Strike price: {strike_price}, Current price: {current_price}",
		KeyExerciseError:         "Error exercising future. Please try again.",
		KeyPriceError:            "Prices are unavailable right now. Please try again.",
		KeyServiceError:          "Sorry, the service is unavailable right now. Please try again later.",
	},
	"sw": {
		KeyWelcome:        "Karibu AgriFutures! Akaunti yako imeundwa. Tuma 'menyu' kuona amri zinazopatikana.",
		KeyInvalidCommand: "Amri si sahihi. Tuma 'menyu' kuona amri zinazopatikana.",
		KeyMenu: "Amri zinazopatikana:\n" +
			"1. menyu - Onesha amri zote\n" +
			"2. bei [mazao] - Angalia bei ya mazao\n" +
			"3. nunua [mazao] [kg] [bei] - Nunua ulinzi\n" +
			"4. uza [nambari] - Tumia ulinzi wako\n" +
			"5. salio - Angalia salio lako",
		KeyFutureCreated:         "Mkataba #{id} umeundwa: {quantity} kg ya {crop} kwa {strike_price}/kg. Malipo: {premium} {currency}",
		KeyInsufficientFunds:     "Salio halitoshi kwenye pochi yako.",
		KeyInvalidCrop:           "Jina la mazao si sahihi. Mazao yanayopatikana: {crops}",
		KeyInvalidNumbers:        "Kiasi au bei si sahihi.",
		KeyInvalidBuyFormat:      "Muundo si sahihi. Tumia: nunua [mazao] [kiasi] [bei]",
		KeyQuantityOutOfRange:    "Kiasi lazima kiwe kati ya {min} na {max} kg.",
		KeyRegistrationFormat:    "Kujisajili, tuma: sajili [jina] [eneo] [mazao] [ukubwa_wa_shamba]",
		KeyRegistrationError:     "Samahani, usajili umeshindwa. Tafadhali jaribu tena au wasiliana na msaada.",
		KeyPriceCheck:            "Bei ya sasa ya {crop}: {price} {currency}/kg",
		KeyBalanceCheck:          "Salio lako ni: {balance} {currency}. Mikataba hai: {active}",
		KeyBalanceError:          "Hitilafu katika kuangalia salio. Tafadhali jaribu tena.",
		KeyNoWallet:              "Hakuna pochi. Tafadhali wasiliana na msaada.",
		KeyBuyError:              "Samahani, mkataba haukuweza kuundwa. Tafadhali jaribu tena.",
		KeyInvalidExerciseFormat: "Muundo si sahihi. Tumia: uza [nambari_ya_mkataba]",
		KeyInvalidFutureID:       "Nambari ya mkataba si sahihi. Tafadhali weka nambari sahihi.",
		KeyInvalidFuture:         "Hakuna mkataba hai uliopatikana na hiyo nambari.",
		KeyCannotExercise:        "Haiwezi kuuzwa: bei ya sasa haiko chini ya bei ya mkataba.",
		KeyExerciseSuccess:       "Mkataba umeuzwa kwa mafanikio! Malipo: {payout} {currency} kwa {quantity} kg ya {crop}. Bei ya mkataba: {strike_price}, Bei ya sasa: {current_price}",
		KeyExerciseError:         "Samahani, mkataba haukuweza kuuzwa. Tafadhali jaribu tena.",
		KeyServiceError:          "Samahani, huduma haipatikani kwa sasa. Tafadhali jaribu tena baadaye.",
	},
	"fr": {
		KeyWelcome:        "Bienvenue sur AgriFutures ! Votre compte a été créé. Envoyez 'menu' pour voir les commandes.",
		KeyInvalidCommand: "Commande invalide. Envoyez 'menu' pour voir les commandes.",
		KeyMenu: "Commandes disponibles :\n" +
			"1. menu - Afficher les commandes\n" +
			"2. prix [culture] - Voir le prix\n" +
			"3. acheter [culture] [kg] [prix] - Acheter une protection\n" +
			"4. vendre [id] - Exercer votre protection\n" +
			"5. solde - Voir votre solde",
		KeyFutureCreated:         "Contrat #{id} créé : {quantity} kg de {crop} à {strike_price}/kg. Prime payée : {premium} {currency}",
		KeyInsufficientFunds:     "Solde insuffisant dans votre portefeuille.",
		KeyInvalidCrop:           "Culture invalide. Cultures disponibles : {crops}",
		KeyInvalidNumbers:        "Quantité ou prix invalide. Veuillez saisir des nombres valides.",
		KeyInvalidBuyFormat:      "Format invalide. Utilisez : acheter [culture] [quantité] [prix]",
		KeyRegistrationFormat:    "Pour vous inscrire, envoyez : inscrire [nom] [lieu] [culture] [surface]",
		KeyRegistrationError:     "Désolé, l'inscription a échoué. Veuillez réessayer.",
		KeyPriceCheck:            "Prix actuel du {crop} : {price} {currency}/kg",
		KeyBalanceCheck:          "Votre solde est de : {balance} {currency}. Contrats actifs : {active}",
		KeyBuyError:              "Désolé, le contrat n'a pas pu être créé. Veuillez réessayer.",
		KeyInvalidExerciseFormat: "Format invalide. Utilisez : vendre [id_contrat]",
		KeyInvalidFutureID:       "Identifiant de contrat invalide.",
		KeyInvalidFuture:         "Aucun contrat actif trouvé avec cet identifiant.",
		KeyCannotExercise:        "Impossible d'exercer : le prix actuel n'est pas inférieur au prix garanti.",
		KeyExerciseSuccess:       "Contrat exercé ! Paiement : {payout} {currency} pour {quantity} kg de {crop}. Prix garanti : {strike_price}, Prix actuel : {current_price}",
		KeyExerciseError:         "Erreur lors de l'exercice du contrat. Veuillez réessayer.",
	},
}

// Languages returns the supported language codes, sorted.
func Languages() []string {
	out := make([]string, 0, len(templates))
	for lang := range templates {
		out = append(out, lang)
	}
	sort.Strings(out)
	return out
}

// Supported reports whether lang has its own template table.
func Supported(lang string) bool {
	_, ok := templates[lang]
	return ok
}

// Template returns the format string for key in lang. A key missing from
// lang falls back to the baseline template; an unknown key yields "".
func Template(lang, key string) string {
	if t, ok := templates[lang][key]; ok {
		return t
	}
	return templates[Baseline][key]
}

// Render fills the {name} placeholders of Template(lang, key) from args.
// Placeholders without a value are left as written.
func Render(lang, key string, args map[string]string) string {
	t := Template(lang, key)
	if len(args) == 0 {
		return t
	}
	pairs := make([]string, 0, 2*len(args))
	for k, v := range args {
		pairs = append(pairs, "{"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(t)
}

var (
	supportedTags = []language.Tag{language.English, language.Swahili, language.French}
	matcher       = language.NewMatcher(supportedTags)
)

// Match resolves a stored preference such as "sw-KE" or "fr_CM" to a
// supported language, or the baseline when nothing matches.
func Match(pref string) string {
	pref = strings.ReplaceAll(strings.TrimSpace(pref), "_", "-")
	if pref == "" {
		return Baseline
	}
	tag, err := language.Parse(pref)
	if err != nil {
		return Baseline
	}
	_, idx, conf := matcher.Match(tag)
	if conf == language.No {
		return Baseline
	}
	base, _ := supportedTags[idx].Base()
	return base.String()
}

// markers are words that identify a message's language. English has none;
// it is the default.
var markers = map[string]map[string]bool{
	"sw": set("sajili", "menyu", "bei", "nunua", "uza", "salio", "mazao", "shamba",
		"mahindi", "ngano", "mchele", "kahawa"),
	"fr": set("inscrire", "prix", "acheter", "vendre", "solde", "maïs", "blé", "riz", "café"),
}

func set(words ...string) map[string]bool {
	m := make(map[string]bool, len(words))
	for _, w := range words {
		m[w] = true
	}
	return m
}

// Detect guesses the language of an unregistered sender's message from the
// marker lexicon. Swahili markers win over French ones.
func Detect(message string) string {
	words := strings.Fields(strings.ToLower(message))
	for _, lang := range []string{"sw", "fr"} {
		for _, w := range words {
			if markers[lang][w] {
				return lang
			}
		}
	}
	return Baseline
}
