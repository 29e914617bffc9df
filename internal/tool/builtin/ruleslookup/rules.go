package ruleslookup

// Rule holds a single game rule entry from the embedded dataset.
type Rule struct {
	// ID is the unique machine-readable identifier for the rule.
	ID string `json:"id"`

	// Name is the human-readable display name.
	Name string `json:"name"`

	// Category classifies the rule (e.g. "combat", "condition", "rest").
	Category string `json:"category"`

	// System is the game system this rule belongs to (e.g. "dnd5e").
	System string `json:"system"`

	// Text is the full rule description.
	Text string `json:"text"`
}

// embeddedRules is the in-process rule set used by the rules-lookup tools.
// It covers the table rulings a DM reaches for most often during play.
var embeddedRules = []Rule{
	// ─────────────────────────────────────────────────────────────────────────
	// Combat
	// ─────────────────────────────────────────────────────────────────────────
	{
		ID:       "combat-grapple",
		Name:     "Grappling",
		Category: "combat",
		System:   "dnd5e",
		Text:     `To grapple, use the Attack action to make a special melee attack with a free hand. Instead of an attack roll, make a Strength (Athletics) check contested by the target's Strength (Athletics) or Dexterity (Acrobatics). On a success the target is grappled: its speed becomes 0 and it can spend its action to repeat the contest and escape. The target must be no more than one size larger than you.`,
	},
	{
		ID:       "combat-shove",
		Name:     "Shoving a Creature",
		Category: "combat",
		System:   "dnd5e",
		Text:     `Use the Attack action to make a special melee attack that shoves a creature, either knocking it prone or pushing it 5 feet away. Make a Strength (Athletics) check contested by the target's Strength (Athletics) or Dexterity (Acrobatics). The target must be no more than one size larger than you.`,
	},
	{
		ID:       "combat-opportunity-attack",
		Name:     "Opportunity Attacks",
		Category: "combat",
		System:   "dnd5e",
		Text:     `When a hostile creature you can see moves out of your reach, you can use your reaction to make one melee attack against it. The attack interrupts the movement, occurring just before the creature leaves your reach. Taking the Disengage action prevents opportunity attacks for the rest of the turn.`,
	},
	{
		ID:       "combat-cover",
		Name:     "Cover",
		Category: "combat",
		System:   "dnd5e",
		Text:     `Half cover grants +2 to AC and Dexterity saving throws; three-quarters cover grants +5 to both. A target with total cover cannot be targeted directly by an attack or spell. Cover only applies against attacks and effects that originate on the opposite side of it.`,
	},
	{
		ID:       "combat-two-weapon",
		Name:     "Two-Weapon Fighting",
		Category: "combat",
		System:   "dnd5e",
		Text:     `When you take the Attack action with a light melee weapon in one hand, you can use a bonus action to attack with a different light melee weapon in the other hand. You don't add your ability modifier to the bonus attack's damage unless that modifier is negative.`,
	},
	{
		ID:       "combat-ready",
		Name:     "Readying an Action",
		Category: "combat",
		System:   "dnd5e",
		Text:     `You can use your action to wait for a trigger you describe, then use your reaction to act when it occurs. Readying a spell requires casting it in advance and holding its energy, which takes concentration until the reaction releases it or the turn ends.`,
	},
	{
		ID:       "combat-unseen",
		Name:     "Unseen Attackers and Targets",
		Category: "combat",
		System:   "dnd5e",
		Text:     `Attack rolls against a creature you can't see have disadvantage. When a creature can't see you, your attack rolls against it have advantage. If you are hidden when you attack, hit or miss, your location is revealed.`,
	},
	{
		ID:       "combat-mounted",
		Name:     "Mounted Combat",
		Category: "combat",
		System:   "dnd5e",
		Text:     `Mounting or dismounting costs movement equal to half your speed. A controlled mount acts on your initiative and can only Dash, Disengage, or Dodge. If the mount provokes an opportunity attack while you're riding it, the attacker can target you or the mount.`,
	},
	// ─────────────────────────────────────────────────────────────────────────
	// Magic
	// ─────────────────────────────────────────────────────────────────────────
	{
		ID:       "magic-concentration",
		Name:     "Concentration",
		Category: "magic",
		System:   "dnd5e",
		Text:     `Some spells require concentration to maintain. You lose concentration when you cast another concentration spell, when you are incapacitated or killed, or when you take damage and fail a Constitution saving throw (DC 10 or half the damage taken, whichever is higher). You can end concentration at any time, no action required.`,
	},
	{
		ID:       "magic-counterspell-timing",
		Name:     "Casting a Spell as a Reaction",
		Category: "magic",
		System:   "dnd5e",
		Text:     `A spell cast with a reaction is cast in response to its stated trigger, interrupting the normal flow of the round. You cannot cast a reaction spell if you have already used your reaction this round.`,
	},
	// ─────────────────────────────────────────────────────────────────────────
	// Checks and conditions
	// ─────────────────────────────────────────────────────────────────────────
	{
		ID:       "check-advantage",
		Name:     "Advantage and Disadvantage",
		Category: "check",
		System:   "dnd5e",
		Text:     `With advantage, roll two d20s and use the higher; with disadvantage, use the lower. Multiple sources of advantage or disadvantage don't stack, and if you have both at once they cancel and you roll a single d20.`,
	},
	{
		ID:       "check-death-saves",
		Name:     "Death Saving Throws",
		Category: "check",
		System:   "dnd5e",
		Text:     `At 0 hit points, on each of your turns roll a d20 with no modifiers: 10 or higher is a success, lower is a failure. Three successes stabilise you; three failures kill you. A natural 20 restores 1 hit point; a natural 1 counts as two failures. Taking damage at 0 hit points causes a failure, or two on a critical hit.`,
	},
	{
		ID:       "condition-exhaustion",
		Name:     "Exhaustion",
		Category: "condition",
		System:   "dnd5e",
		Text:     `Exhaustion has six cumulative levels: 1 disadvantage on ability checks, 2 speed halved, 3 disadvantage on attacks and saving throws, 4 hit point maximum halved, 5 speed reduced to 0, 6 death. A long rest with food and drink removes one level.`,
	},
	{
		ID:       "hazard-falling",
		Name:     "Falling",
		Category: "hazard",
		System:   "dnd5e",
		Text:     `A falling creature takes 1d6 bludgeoning damage per 10 feet fallen, to a maximum of 20d6, and lands prone unless it avoids the damage entirely.`,
	},
	// ─────────────────────────────────────────────────────────────────────────
	// Resting
	// ─────────────────────────────────────────────────────────────────────────
	{
		ID:       "rest-short",
		Name:     "Short Rest",
		Category: "rest",
		System:   "dnd5e",
		Text:     `A short rest is at least an hour of light activity. At its end a character can spend Hit Dice to recover hit points, rolling each die and adding their Constitution modifier.`,
	},
	{
		ID:       "rest-long",
		Name:     "Long Rest",
		Category: "rest",
		System:   "dnd5e",
		Text:     `A long rest is at least eight hours of sleep or light activity. It restores all hit points and up to half the character's total Hit Dice. A character can benefit from only one long rest per 24 hours and must have at least 1 hit point when the rest starts to gain its benefits.`,
	},
	// ─────────────────────────────────────────────────────────────────────────
	// Pathfinder 2e entries, so cross-system filtering has something to bite on
	// ─────────────────────────────────────────────────────────────────────────
	{
		ID:       "pf2-three-actions",
		Name:     "Three-Action Economy",
		Category: "combat",
		System:   "pf2e",
		Text:     `On your turn you have three actions and one reaction to spend however you like: Strike, Stride, and most activities cost one action, while stronger options cost two or three. Attacking more than once in a turn applies a cumulative multiple attack penalty of -5, then -10.`,
	},
	{
		ID:       "pf2-degrees-of-success",
		Name:     "Degrees of Success",
		Category: "check",
		System:   "pf2e",
		Text:     `A check that beats its DC by 10 or more is a critical success, and one that misses by 10 or more is a critical failure. A natural 20 improves the outcome one step; a natural 1 worsens it one step.`,
	},
	{
		ID:       "pf2-dying",
		Name:     "Dying and Wounded",
		Category: "condition",
		System:   "pf2e",
		Text:     `At 0 hit points you fall unconscious and gain dying 1, or dying 2 from a critical hit. Each turn make a flat DC 10 recovery check to step the condition up or down; dying 4 means death. Recovering from dying adds 1 to your wounded value, which increases future dying values.`,
	},
}

// rulesByID indexes embeddedRules for get_rule.
var rulesByID = func() map[string]Rule {
	m := make(map[string]Rule, len(embeddedRules))
	for _, r := range embeddedRules {
		m[r.ID] = r
	}
	return m
}()
