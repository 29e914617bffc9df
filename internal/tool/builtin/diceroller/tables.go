package diceroller

import "sort"

// builtinTables holds the in-memory random tables available to roll_table.
// Entries are 1-indexed by roll value; the slice index is roll-1. Tables may
// have different sizes, so the die rolled matches the table length.
var builtinTables = map[string][]string{
	"wild_magic": {
		"Your skin shimmers like polished brass until the next dawn.",
		"Every coin within 30 feet of you rises one inch off the ground for a minute.",
		"You speak only in rhyming couplets for the next ten minutes.",
		"A harmless illusory raven lands on your shoulder and critiques your choices.",
		"The nearest door swings open, regardless of locks, and refuses to close for an hour.",
		"You smell strongly of cinnamon; beasts within 60 feet find you fascinating.",
		"Your shadow detaches and acts out your movements two seconds late for a minute.",
		"All ale within 20 feet turns to water. Nearby patrons notice immediately.",
		"You can hear whispered conversations within 100 feet but only the boring parts.",
		"A gentle rain falls in a 10-foot circle centred on you, indoors or out, for a minute.",
		"You regain 1d8 hit points and hiccup sparks when you speak.",
		"You blink 15 feet in a random direction at the start of your next turn.",
		"The ground beneath you becomes slick ice in a 10-foot radius.",
		"Your voice booms at triple volume until you next sleep.",
		"A spectral hand mimics rude gestures at your enemies for a minute (+1 to intimidation).",
		"Every creature within 30 feet briefly sees its own reflection grinning back.",
		"You gain resistance to cold damage for ten minutes and your breath frosts.",
		"A random unlit candle, torch, or lantern within 60 feet ignites.",
		"Your hair stands on end and crackles; the next lightning spell cast near you is drawn to it.",
		"You swap positions with the nearest willing creature within 30 feet.",
	},
	"trinkets": {
		"A tarnished locket that hums faintly when held near running water.",
		"A wooden die whose faces all show the number six.",
		"A pressed flower from a funeral nobody attended.",
		"A brass key stamped with the crest of a tavern that burned down decades ago.",
		"A glass marble containing a slowly swirling wisp of smoke.",
		"A fishing lure carved from dragon ivory, or so the seller claimed.",
		"A letter of apology, unsigned, addressed to someone named Wrenna.",
		"A tin soldier missing its head; the head turns up in a different pocket each morning.",
		"A map of a city district that does not match any known city.",
		"A candle stub that burns with green flame but sheds no heat.",
		"A silver ring sized for a hand far larger than any human's.",
		"A deck of cards with one extra suit nobody recognises.",
	},
	"road_events": {
		"A tinker's cart has lost a wheel; the tinker offers a minor trinket for help.",
		"A milestone bears fresh claw marks and a crude drawing of a crown.",
		"Two farmers argue over a pig standing between them. The pig is unbothered.",
		"A riderless horse in fine tack trots past heading the other way.",
		"A toll rope is strung across the road, but the toll keeper's hut is empty.",
		"Crows line the fences in unusual numbers, all facing the same direction.",
		"A wandering priest offers to bless the party's weapons for a donation.",
		"The road is washed out; the detour passes a ruin not on the map.",
		"A courier begs the party to carry a sealed letter to the next town.",
		"Distant smoke rises from where the map shows only forest.",
		"A child's shoe sits in the middle of the road, recently dropped.",
		"A dozen sheep block the way; their shepherd naps under a tree, clutching a sword.",
		"A merchant offers to sell a caged songbird that sings in a language sages study.",
		"Fresh wagon tracks leave the road and head straight into a bog.",
		"A roadside shrine is decorated with new flowers and one silver coin.",
		"An old soldier waves the party down to warn them about the bridge ahead.",
	},
}

// TableNames returns the available table names sorted for stable listings.
func TableNames() []string {
	names := make([]string, 0, len(builtinTables))
	for n := range builtinTables {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
