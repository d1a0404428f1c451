package telegram

import (
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"

	tele "gopkg.in/telebot.v4"
)

// diskPhoto uploads a local file as sendPhoto. telebot's Photo leaves the
// multipart file name empty, which servers treat as a plain form value.
type diskPhoto struct {
	client  *http.Client
	path    string
	caption string
}

var _ tele.Sendable = (*diskPhoto)(nil)

func (p *diskPhoto) Send(b *tele.Bot, to tele.Recipient, opt *tele.SendOptions) (*tele.Message, error) {
	params := map[string]string{"chat_id": to.Recipient()}
	if p.caption != "" {
		params["caption"] = p.caption
	}
	if opt != nil && opt.ParseMode != tele.ModeDefault {
		params["parse_mode"] = string(opt.ParseMode)
	}

	f, err := os.Open(p.path)
	if err != nil {
		return nil, fmt.Errorf("open photo %s: %w", p.path, err)
	}

	pr, pw := io.Pipe()
	defer pr.Close() // unblocks the writer if the server answers early
	mw := multipart.NewWriter(pw)
	go func() {
		defer f.Close()
		for k, v := range params {
			if err := mw.WriteField(k, v); err != nil {
				pw.CloseWithError(err)
				return
			}
		}
		part, err := mw.CreateFormFile("photo", filepath.Base(p.path))
		if err == nil {
			_, err = io.Copy(part, f)
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	resp, err := p.client.Post(b.URL+"/bot"+b.Token+"/sendPhoto", mw.FormDataContentType(), pr)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out struct {
		Ok          bool          `json:"ok"`
		Code        int           `json:"error_code"`
		Description string        `json:"description"`
		Result      *tele.Message `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode sendPhoto response (%s): %w", resp.Status, err)
	}
	if !out.Ok {
		if known := tele.Err(out.Description); known != nil {
			return nil, known
		}
		return nil, tele.NewError(out.Code, out.Description)
	}
	return out.Result, nil
}
