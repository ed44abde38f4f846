// Package ingest turns provider webhook deliveries into stored records and
// job state changes.
package ingest

// Rules holds the heuristic tables used to read provider payloads. A Rules
// value is handed to the components at construction and never mutated
// afterwards; use DefaultRules to get a fresh copy to adjust.
type Rules struct {
	// Correlation id candidates, tried in this order within each location.
	CorrelationHeaders   []string
	CorrelationQueryKeys []string
	CorrelationBodyKeys  []string
	NestedMetaKeys       []string

	PlatformHeaders   []string
	PlatformQueryKeys []string
	PlatformFields    []string
	PlatformAliases   map[string]string

	ContainerHeaders   []string
	ContainerQueryKeys []string

	TestHeaders   []string
	TestQueryKeys []string
	TestFields    []string

	RecordIDKeys []string

	StatusKeys      []string
	SuccessStatuses []string
	FailureStatuses []string
	PendingStatuses []string
	ErrorKeys       []string
	FollowUpURLKeys []string

	// Signatures lists, per platform, fields that only that platform's
	// export shape carries. Sets must not overlap.
	Signatures        map[string][]string
	Domains           map[string][]string
	MinSignatureScore int

	Display DisplayKeys
}

// DisplayKeys maps normalized display fields to candidate source keys.
// Dotted keys walk into nested objects.
type DisplayKeys struct {
	Author   []string
	Body     []string
	URL      []string
	Likes    []string
	Comments []string
	Shares   []string
	Views    []string
	PostedAt []string
}

const (
	PlatformInstagram = "instagram"
	PlatformTikTok    = "tiktok"
	PlatformTwitter   = "twitter"
	PlatformFacebook  = "facebook"
	PlatformYouTube   = "youtube"
	PlatformLinkedIn  = "linkedin"
	PlatformReddit    = "reddit"
)

func DefaultRules() Rules {
	return Rules{
		CorrelationHeaders: []string{
			"X-Snapshot-Id", "Snapshot-Id", "X-Correlation-Id", "X-Job-Id", "X-Run-Id", "X-Dataset-Id",
		},
		CorrelationQueryKeys: []string{"snapshot_id", "snapshotId", "correlation_id", "job_id", "run_id"},
		CorrelationBodyKeys:  []string{"snapshot_id", "snapshotId", "correlation_id", "correlationId", "run_id", "runId", "job_id"},
		NestedMetaKeys:       []string{"metadata", "meta"},

		PlatformHeaders:   []string{"X-Platform", "X-Source-Platform"},
		PlatformQueryKeys: []string{"platform", "source"},
		PlatformFields:    []string{"platform", "source_platform"},
		PlatformAliases: map[string]string{
			"ig": PlatformInstagram, "insta": PlatformInstagram,
			"tt": PlatformTikTok, "tik_tok": PlatformTikTok,
			"x": PlatformTwitter, "tweet": PlatformTwitter,
			"fb": PlatformFacebook, "meta": PlatformFacebook,
			"yt": PlatformYouTube,
			"li": PlatformLinkedIn,
		},

		ContainerHeaders:   []string{"X-Container-Id", "X-Folder-Id"},
		ContainerQueryKeys: []string{"container_id", "folder_id"},

		TestHeaders:   []string{"X-Webhook-Test", "X-Test-Delivery"},
		TestQueryKeys: []string{"test"},
		TestFields:    []string{"test", "is_test"},

		RecordIDKeys: []string{
			"post_id", "postId", "tweet_id", "video_id", "shortcode", "shortCode", "urn", "aweme_id", "id",
		},

		StatusKeys:      []string{"status", "state"},
		SuccessStatuses: []string{"ready", "done", "completed", "complete", "succeeded", "success", "finished"},
		FailureStatuses: []string{"failed", "failure", "error", "errored", "aborted", "timed_out", "timeout", "cancelled", "canceled"},
		PendingStatuses: []string{"pending", "queued", "scheduled", "running", "in_progress", "processing", "started", "collecting", "building"},
		ErrorKeys:       []string{"error", "error_message", "errorMessage", "message"},
		FollowUpURLKeys: []string{"download_url", "result_url", "dataset_url", "results_url"},

		Signatures: map[string][]string{
			PlatformInstagram: {"shortcode", "shortCode", "ownerUsername", "owner_username", "displayUrl", "display_url", "isSponsored", "likesCount", "taken_at_timestamp"},
			PlatformTikTok:    {"diggCount", "playCount", "authorMeta", "musicMeta", "videoMeta", "webVideoUrl", "digg_count", "play_count"},
			PlatformTwitter:   {"tweet_id", "retweet_count", "retweetCount", "favorite_count", "quote_count", "quoteCount", "full_text", "in_reply_to_status_id"},
			PlatformFacebook:  {"page_name", "page_url", "num_shares", "top_reactions", "reactions_count", "post_external_link"},
			PlatformYouTube:   {"video_id", "channel_id", "channelName", "channel_url", "subscriberCount", "youtuber", "numberOfSubscribers"},
			PlatformLinkedIn:  {"urn", "num_reactions", "user_title", "user_followers", "headline", "post_text_html"},
			PlatformReddit:    {"subreddit", "upvote_ratio", "selftext", "permalink", "community_name", "num_upvotes"},
		},
		Domains: map[string][]string{
			PlatformInstagram: {"instagram.com", "instagr.am"},
			PlatformTikTok:    {"tiktok.com"},
			PlatformTwitter:   {"twitter.com", "x.com", "t.co"},
			PlatformFacebook:  {"facebook.com", "fb.com", "fb.watch"},
			PlatformYouTube:   {"youtube.com", "youtu.be"},
			PlatformLinkedIn:  {"linkedin.com", "lnkd.in"},
			PlatformReddit:    {"reddit.com", "redd.it"},
		},
		MinSignatureScore: 2,

		Display: DisplayKeys{
			Author:   []string{"author", "user_posted", "ownerUsername", "owner_username", "authorMeta.name", "user.screen_name", "username", "channelName", "page_name", "user_id"},
			Body:     []string{"text", "full_text", "description", "caption", "content", "post_text", "selftext", "title"},
			URL:      []string{"url", "post_url", "webVideoUrl", "permalink", "link"},
			Likes:    []string{"likes", "likesCount", "like_count", "diggCount", "digg_count", "favorite_count", "num_likes", "num_reactions", "reactions_count", "num_upvotes"},
			Comments: []string{"comments", "commentsCount", "comment_count", "commentCount", "num_comments", "replies", "reply_count"},
			Shares:   []string{"shares", "shareCount", "share_count", "num_shares", "retweet_count", "retweetCount", "reposts"},
			Views:    []string{"views", "viewCount", "view_count", "playCount", "play_count", "video_view_count"},
			PostedAt: []string{"date_posted", "timestamp", "created_at", "createTime", "createTimeISO", "taken_at_timestamp", "published_at", "date"},
		},
	}
}
