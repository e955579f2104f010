package service

import (
	"fmt"
	"strings"

	"github.com/lzumixiny/volo8-test/internal/dingtalk"
	"github.com/lzumixiny/volo8-test/internal/models"
)

const detectionTimeLayout = "2006-01-02 15:04:05"

// NoImageReply guides a user who mentioned the bot without an image.
func NoImageReply(senderNick string) dingtalk.Reply {
	return dingtalk.MarkdownReply("图片检测提示", fmt.Sprintf(`@%s 您好！

我注意到您@了我，但是没有在消息中包含图片。

请发送包含锁的图片，我将帮您检测锁的状态。

使用方法：
1. 在群聊中@我
2. 附上需要检测的图片
3. 我会自动检测并返回结果`, senderNick))
}

// DownloadFailedReply reports that the attached image could not be fetched.
func DownloadFailedReply(senderNick string) dingtalk.Reply {
	return dingtalk.MarkdownReply("图片下载失败", fmt.Sprintf(`@%s 抱歉！

图片下载失败，请检查图片格式或稍后重试。

如果问题持续存在，请联系管理员。`, senderNick))
}

// ProcessingErrorReply reports a classification failure with its cause.
func ProcessingErrorReply(senderNick, cause string) dingtalk.Reply {
	return dingtalk.MarkdownReply("处理错误", fmt.Sprintf(`@%s 抱歉！

处理过程中出现错误：%s

请稍后重试或联系管理员。`, senderNick, cause))
}

// ComposeDetectionReply builds the result message. imageURI may be empty, in
// which case the picture is left out.
func ComposeDetectionReply(senderNick string, outcome *models.DetectionOutcome, imageURI string) dingtalk.Reply {
	var b strings.Builder

	fmt.Fprintf(&b, "@%s\n\n## 🔒 锁检测结果\n\n", senderNick)
	b.WriteString(resultText(outcome))
	b.WriteString("\n\n### 检测详情\n")
	fmt.Fprintf(&b, "- 检测时间: %s\n", outcome.DetectionTime.Format(detectionTimeLayout))
	fmt.Fprintf(&b, "- 置信度: %.2f\n", outcome.ConfidenceScore)
	if imageURI != "" {
		fmt.Fprintf(&b, "- 检测图片: \n![检测结果](%s)\n", imageURI)
	}
	b.WriteString("\n---\n*Powered by Lock Detection AI*")

	return dingtalk.MarkdownReply("锁检测结果", b.String())
}

func resultText(outcome *models.DetectionOutcome) string {
	if outcome.IsSafe {
		return fmt.Sprintf(`✅ **检测完成 - 一切正常！**

📊 **检测结果:**
- 总计检测到 %d 个锁
- 所有锁都已正常锁定
- 未发现安全隐患

🔒 **安全状态: 正常**`, outcome.TotalLocks)
	}

	var b strings.Builder
	fmt.Fprintf(&b, `⚠️ **检测完成 - 发现安全隐患！**

📊 **检测结果:**
- 总计检测到 %d 个锁
- %d 个锁已正常锁定
- %d 个锁未锁定 ❌

🔒 **安全状态: 警告**

**未锁定的锁:**
`, outcome.TotalLocks, outcome.LockedLocks, outcome.UnlockedLocks)

	for i, d := range outcome.Unlocked() {
		fmt.Fprintf(&b, "\n%d. %s (置信度: %.2f)", i+1, d.LockType, d.Confidence)
	}
	b.WriteString("\n\n**建议:** 请立即检查并锁定所有未锁的锁！")
	return b.String()
}
